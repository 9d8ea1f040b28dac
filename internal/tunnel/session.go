// Package tunnel implements the relay session above the connection
// manager: the open handshake, pairing authorization, and the demux of
// JSON control frames from binary payload.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"desklink/internal/connmgr"
)

var ErrBadProtocol = errors.New("tunnel: protocol must be shell or desktop")

const pairAuthTimeout = 10 * time.Second

// Authorizer performs the out-of-band pairing authorization against the
// session-control collaborator.
type Authorizer interface {
	AuthorizePairing(ctx context.Context, relayID string) error
}

// Config configures a Session.
type Config struct {
	URL      string
	Protocol int
	// Cols/Rows are startup options sent in the handshake for the shell
	// protocol.
	Cols int
	Rows int

	Dialer    connmgr.Dialer
	Policy    connmgr.Policy
	AuthCheck func(ctx context.Context) error

	// Authorizer handles relay pairing requests. When nil, pairing
	// requests are acknowledged without an authorization round-trip.
	Authorizer Authorizer

	OnBinary  func(data []byte)
	OnControl func(msg ControlMessage)
	// OnStatus receives human-readable status text from the relay.
	OnStatus func(text string)
	OnState  func(state connmgr.State)
	Logger   *log.Logger
}

// Session multiplexes one tunnel: control messages and binary payload over
// a managed connection.
type Session struct {
	cfg Config
	mgr *connmgr.Manager
}

// New builds a Session and its connection manager.
func New(cfg Config) (*Session, error) {
	if cfg.Protocol != ProtocolShell && cfg.Protocol != ProtocolDesktop {
		return nil, ErrBadProtocol
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	s := &Session{cfg: cfg}
	mgr, err := connmgr.New(connmgr.Config{
		URL:       cfg.URL,
		Dialer:    cfg.Dialer,
		Policy:    cfg.Policy,
		AuthCheck: cfg.AuthCheck,
		OnOpen:    s.sendHandshake,
		OnMessage: s.dispatch,
		OnState:   cfg.OnState,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.mgr = mgr
	return s, nil
}

// Start opens the tunnel.
func (s *Session) Start() {
	s.mgr.Connect()
}

// Stop tears the tunnel down permanently.
func (s *Session) Stop() {
	s.mgr.Dispose()
}

// Manager exposes the connection manager for state queries and
// environment signals.
func (s *Session) Manager() *connmgr.Manager {
	return s.mgr
}

// SendBinary queues or sends protocol payload.
func (s *Session) SendBinary(data []byte) bool {
	return s.mgr.Send(websocket.BinaryMessage, data)
}

// SendControl queues or sends a control message.
func (s *Session) SendControl(msg ControlMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.cfg.Logger.Printf("tunnel: control encode failed: %v", err)
		return false
	}
	return s.mgr.Send(websocket.TextMessage, data)
}

// sendHandshake declares the sub-protocol and startup options on every
// open, ahead of any replayed traffic.
func (s *Session) sendHandshake(write func(messageType int, data []byte) error) {
	msg := ControlMessage{Type: msgHandshake, Protocol: s.cfg.Protocol}
	if s.cfg.Protocol == ProtocolShell {
		msg.Cols = s.cfg.Cols
		msg.Rows = s.cfg.Rows
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := write(websocket.TextMessage, data); err != nil {
		s.cfg.Logger.Printf("tunnel: handshake write failed: %v", err)
	}
}

func (s *Session) dispatch(messageType int, data []byte) {
	switch messageType {
	case websocket.BinaryMessage:
		if s.cfg.OnBinary != nil {
			s.cfg.OnBinary(data)
		}
	case websocket.TextMessage:
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.cfg.Logger.Printf("tunnel: bad control frame: %v", err)
			return
		}
		switch msg.Type {
		case msgPair:
			go s.handlePair(msg.RelayID)
		case msgStatus:
			if s.cfg.OnStatus != nil {
				s.cfg.OnStatus(msg.Message)
			}
		default:
			if s.cfg.OnControl != nil {
				s.cfg.OnControl(msg)
			}
		}
	default:
		// ignore
	}
}

// handlePair authorizes the pairing out of band and notifies the relay.
// Authorization failures are swallowed; the tunnel stays up and the relay
// simply never sees the acknowledgement.
func (s *Session) handlePair(relayID string) {
	if s.cfg.Authorizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pairAuthTimeout)
		err := s.cfg.Authorizer.AuthorizePairing(ctx, relayID)
		cancel()
		if err != nil {
			s.cfg.Logger.Printf("tunnel: pairing authorization failed for %q: %v", relayID, err)
			return
		}
	}
	s.SendControl(ControlMessage{Type: msgPairAuth, RelayID: relayID})
}
