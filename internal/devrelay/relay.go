// Package devrelay is a self-contained relay for development and tests:
// devices dial in and host a desktop or shell, viewers dial in with a
// session cookie, and the relay pairs them and shuttles frames. It also
// serves the small session-control HTTP API the viewer client expects.
package devrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"desklink/internal/tunnel"
)

// Close codes sent to viewers whose session is no longer valid.
const (
	CloseCookieInvalid = 4401
	CloseNotPermitted  = 4403
)

var ErrDeviceOffline = errors.New("devrelay: device not connected")

// WSConn is the websocket surface the relay needs. *websocket.Conn
// satisfies it; tests substitute pipes.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Relay pairs device connections with viewer connections per device id.
type Relay struct {
	cookies       *CookieManager
	deviceSecrets map[string]string

	// StrictPair requires a pairing id to be approved through the HTTP
	// API before a viewer's pairauth is honored.
	StrictPair bool

	mu       sync.Mutex
	devices  map[string]*deviceState
	approved map[string]bool
	viewerID uint64
	relaySeq uint64

	upgrader websocket.Upgrader
	logger   *log.Logger
}

type deviceState struct {
	id      string
	conn    WSConn
	viewers map[string]*viewerState
	writeMu sync.Mutex
}

func (d *deviceState) write(messageType int, data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(messageType, data)
}

type viewerState struct {
	id      string
	relayID string
	conn    WSConn
	paired  bool
	writeMu sync.Mutex
}

func (v *viewerState) write(messageType int, data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteMessage(messageType, data)
}

func NewRelay(cookies *CookieManager, deviceSecrets map[string]string) *Relay {
	if deviceSecrets == nil {
		deviceSecrets = map[string]string{}
	}
	return &Relay{
		cookies:       cookies,
		deviceSecrets: deviceSecrets,
		devices:       make(map[string]*deviceState),
		approved:      make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.New(io.Discard, "", 0),
	}
}

func (r *Relay) SetLogger(logger *log.Logger) {
	if logger == nil {
		r.logger = log.New(io.Discard, "", 0)
		return
	}
	r.logger = logger
}

// Routes wires every relay endpoint onto one mux.
func (r *Relay) Routes(adminToken string, cookieTTL time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/view", r.ServeViewerWS)
	mux.HandleFunc("/ws/device", r.ServeDeviceWS)
	mux.HandleFunc("/api/cookie", r.CookieHandler(adminToken, cookieTTL))
	mux.HandleFunc("/api/verify", r.VerifyHandler())
	mux.HandleFunc("/api/pair", r.PairHandler())
	mux.HandleFunc("/api/power", r.PowerHandler(adminToken))
	return mux
}

// ServeViewerWS upgrades a viewer connection. The cookie is checked after
// the upgrade so the failure arrives as close code 4401 and the client can
// tell an auth problem from a network one.
func (r *Relay) ServeViewerWS(w http.ResponseWriter, req *http.Request) {
	deviceID := req.URL.Query().Get("device")
	cookie := req.URL.Query().Get("cookie")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	claims, err := r.cookies.Verify(cookie)
	if err != nil {
		closeWith(conn, CloseCookieInvalid, "cookie invalid")
		return
	}
	if claims.DeviceID != deviceID {
		closeWith(conn, CloseNotPermitted, "cookie not valid for device")
		return
	}
	r.ServeViewerConn(deviceID, conn)
}

// ServeDeviceWS upgrades a device connection authenticated by a shared
// per-device secret.
func (r *Relay) ServeDeviceWS(w http.ResponseWriter, req *http.Request) {
	deviceID := req.URL.Query().Get("device_id")
	secret := req.URL.Query().Get("device_secret")
	if !r.validateDevice(deviceID, secret) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.ServeDeviceConn(deviceID, conn)
}

// ServeDeviceConn runs the device read loop: binary frames fan out to
// paired viewers, text frames are relayed as control traffic.
func (r *Relay) ServeDeviceConn(deviceID string, conn WSConn) {
	state := r.registerDevice(deviceID, conn)
	defer func() {
		r.unregisterDevice(deviceID, conn)
		_ = conn.Close()
	}()
	r.logger.Printf("devrelay: device %s connected", deviceID)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			for _, v := range r.pairedViewers(state) {
				if err := v.write(msgType, data); err != nil {
					r.logger.Printf("devrelay: viewer %s write failed: %v", v.id, err)
				}
			}
		default:
			// ignore
		}
	}
}

// ServeViewerConn runs the viewer loop. The first message must be the
// handshake; the relay then issues a pairing id and holds all payload in
// both directions until the viewer acknowledges with pairauth.
func (r *Relay) ServeViewerConn(deviceID string, conn WSConn) {
	defer conn.Close()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var hello tunnel.ControlMessage
	if msgType != websocket.TextMessage || json.Unmarshal(data, &hello) != nil || hello.Type != "handshake" {
		sendControl(conn, tunnel.ControlMessage{Type: "error", Code: "bad_request", Message: "first message must be handshake"})
		return
	}
	if hello.Protocol != tunnel.ProtocolShell && hello.Protocol != tunnel.ProtocolDesktop {
		sendControl(conn, tunnel.ControlMessage{Type: "error", Code: "bad_protocol", Message: "unsupported protocol"})
		return
	}

	device := r.currentDevice(deviceID)
	if device == nil {
		sendControl(conn, tunnel.ControlMessage{Type: "error", Code: "device_offline", Message: "device not connected"})
		return
	}

	viewer := &viewerState{
		id:      fmt.Sprintf("v-%d", atomic.AddUint64(&r.viewerID, 1)),
		relayID: r.nextRelayID(),
		conn:    conn,
	}
	if !r.addViewer(deviceID, viewer) {
		sendControl(conn, tunnel.ControlMessage{Type: "error", Code: "device_offline", Message: "device not connected"})
		return
	}
	defer r.removeViewer(deviceID, viewer.id)

	sendControl(conn, tunnel.ControlMessage{Type: "pair", RelayID: viewer.relayID})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var msg tunnel.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "pairauth" {
				if msg.RelayID != viewer.relayID {
					continue
				}
				if r.StrictPair && !r.pairApproved(viewer.relayID) {
					sendControl(conn, tunnel.ControlMessage{Type: "error", Code: "pair_denied", Message: "pairing not authorized"})
					continue
				}
				r.markPaired(deviceID, viewer.id)
				// The device sees the handshake only once the viewer is
				// paired, so nothing streams to an unpaired viewer.
				raw, _ := json.Marshal(hello)
				_ = device.write(websocket.TextMessage, raw)
				sendControl(conn, tunnel.ControlMessage{Type: "status", Message: "paired"})
				continue
			}
			if !r.isPaired(deviceID, viewer.id) {
				continue
			}
			_ = device.write(websocket.TextMessage, data)
		case websocket.BinaryMessage:
			if !r.isPaired(deviceID, viewer.id) {
				continue
			}
			_ = device.write(websocket.BinaryMessage, data)
		default:
			// ignore
		}
	}
}

// CookieHandler issues a session cookie for a device. Admin-token gated.
func (r *Relay) CookieHandler(adminToken string, ttl time.Duration) http.HandlerFunc {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if !bearerOK(req, adminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.DeviceID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		cookie, err := r.cookies.Issue(CookieClaims{DeviceID: body.DeviceID}, ttl)
		if err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"cookie": cookie})
	}
}

// VerifyHandler re-validates a session cookie.
func (r *Relay) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		cookie := req.Header.Get("X-Session-Cookie")
		if _, err := r.cookies.Verify(cookie); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// PairHandler approves a pairing id. Authorized by the session cookie
// itself, matching the out-of-band authorization the viewer performs.
func (r *Relay) PairHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			RelayID string `json:"relay_id"`
			Cookie  string `json:"cookie"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.RelayID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if _, err := r.cookies.Verify(body.Cookie); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r.mu.Lock()
		r.approved[body.RelayID] = true
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// PowerHandler forwards a power action to a connected device.
func (r *Relay) PowerHandler(adminToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !bearerOK(req, adminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body struct {
			DeviceID string `json:"device_id"`
			Action   string `json:"action"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.DeviceID == "" || body.Action == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch body.Action {
		case "wake", "sleep", "reset", "poweroff":
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		device := r.currentDevice(body.DeviceID)
		if device == nil {
			http.Error(w, "device offline", http.StatusNotFound)
			return
		}
		raw, _ := json.Marshal(tunnel.ControlMessage{Type: "power", Action: body.Action})
		if err := device.write(websocket.TextMessage, raw); err != nil {
			http.Error(w, "error", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *Relay) validateDevice(deviceID, secret string) bool {
	if deviceID == "" {
		return false
	}
	allowed, ok := r.deviceSecrets[deviceID]
	return ok && allowed == secret
}

func (r *Relay) registerDevice(deviceID string, conn WSConn) *deviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := &deviceState{id: deviceID, conn: conn, viewers: make(map[string]*viewerState)}
	r.devices[deviceID] = state
	return state
}

func (r *Relay) unregisterDevice(deviceID string, conn WSConn) {
	r.mu.Lock()
	state, ok := r.devices[deviceID]
	if !ok || state.conn != conn {
		r.mu.Unlock()
		return
	}
	for _, v := range state.viewers {
		_ = v.conn.Close()
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

func (r *Relay) currentDevice(deviceID string) *deviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[deviceID]
}

func (r *Relay) addViewer(deviceID string, viewer *viewerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.devices[deviceID]
	if state == nil {
		return false
	}
	state.viewers[viewer.id] = viewer
	return true
}

func (r *Relay) removeViewer(deviceID, viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.devices[deviceID]
	if state == nil {
		return
	}
	delete(state.viewers, viewerID)
}

func (r *Relay) markPaired(deviceID, viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.devices[deviceID]
	if state == nil {
		return
	}
	if v := state.viewers[viewerID]; v != nil {
		v.paired = true
	}
}

func (r *Relay) isPaired(deviceID, viewerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.devices[deviceID]
	if state == nil {
		return false
	}
	v := state.viewers[viewerID]
	return v != nil && v.paired
}

func (r *Relay) pairApproved(relayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approved[relayID]
}

func (r *Relay) pairedViewers(state *deviceState) []*viewerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*viewerState, 0, len(state.viewers))
	for _, v := range state.viewers {
		if v.paired {
			out = append(out, v)
		}
	}
	return out
}

func (r *Relay) nextRelayID() string {
	return fmt.Sprintf("relay-%d", atomic.AddUint64(&r.relaySeq, 1))
}

func sendControl(conn WSConn, msg tunnel.ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func bearerOK(req *http.Request, adminToken string) bool {
	if adminToken == "" {
		return false
	}
	return req.Header.Get("Authorization") == "Bearer "+adminToken
}
