package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"desklink/internal/connmgr"
)

type wsMsg struct {
	mt   int
	data []byte
}

type fakeSocket struct {
	writes  chan wsMsg
	inbound chan wsMsg
	once    sync.Once
	closed  chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		writes:  make(chan wsMsg, 64),
		inbound: make(chan wsMsg, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case m := <-s.inbound:
		return m.mt, m.data, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes <- wsMsg{messageType, cp}
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type dialerFunc func(ctx context.Context, url string) (connmgr.Socket, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (connmgr.Socket, error) { return f(ctx, url) }

type fakeAuthorizer struct {
	err   error
	calls chan string
}

func (a *fakeAuthorizer) AuthorizePairing(ctx context.Context, relayID string) error {
	a.calls <- relayID
	return a.err
}

func nextWrite(t *testing.T, sock *fakeSocket) wsMsg {
	t.Helper()
	select {
	case m := <-sock.writes:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for write")
		return wsMsg{}
	}
}

func decodeControl(t *testing.T, m wsMsg) ControlMessage {
	t.Helper()
	if m.mt != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", m.mt)
	}
	var msg ControlMessage
	if err := json.Unmarshal(m.data, &msg); err != nil {
		t.Fatalf("control decode: %v", err)
	}
	return msg
}

func startSession(t *testing.T, cfg Config) (*Session, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	cfg.URL = "ws://relay.test/ws/view"
	cfg.Dialer = dialerFunc(func(ctx context.Context, url string) (connmgr.Socket, error) {
		return sock, nil
	})
	sess, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Stop)
	return sess, sock
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	if _, err := New(Config{URL: "ws://relay.test", Protocol: 9}); !errors.Is(err, ErrBadProtocol) {
		t.Fatalf("expected ErrBadProtocol, got %v", err)
	}
}

func TestHandshakePrecedesQueuedBinary(t *testing.T) {
	sess, sock := startSession(t, Config{Protocol: ProtocolDesktop})

	if sess.SendBinary([]byte{0xAA}) {
		t.Fatal("send before open should queue")
	}
	sess.Start()

	hello := decodeControl(t, nextWrite(t, sock))
	if hello.Type != "handshake" || hello.Protocol != ProtocolDesktop {
		t.Fatalf("unexpected handshake %+v", hello)
	}
	if hello.Cols != 0 || hello.Rows != 0 {
		t.Fatal("desktop handshake must not carry a terminal size")
	}

	replay := nextWrite(t, sock)
	if replay.mt != websocket.BinaryMessage || replay.data[0] != 0xAA {
		t.Fatalf("queued binary not replayed after handshake: %+v", replay)
	}
}

func TestShellHandshakeCarriesSize(t *testing.T) {
	sess, sock := startSession(t, Config{Protocol: ProtocolShell, Cols: 120, Rows: 40})
	sess.Start()

	hello := decodeControl(t, nextWrite(t, sock))
	if hello.Protocol != ProtocolShell || hello.Cols != 120 || hello.Rows != 40 {
		t.Fatalf("unexpected shell handshake %+v", hello)
	}
}

func TestBinaryFramesReachOnBinary(t *testing.T) {
	got := make(chan []byte, 1)
	sess, sock := startSession(t, Config{
		Protocol: ProtocolDesktop,
		OnBinary: func(data []byte) { got <- data },
	})
	sess.Start()
	nextWrite(t, sock) // handshake

	sock.inbound <- wsMsg{websocket.BinaryMessage, []byte{1, 2, 3}}
	select {
	case data := <-got:
		if len(data) != 3 {
			t.Fatalf("unexpected payload %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("binary frame not dispatched")
	}
}

func TestPairAuthorizedAcknowledges(t *testing.T) {
	auth := &fakeAuthorizer{calls: make(chan string, 1)}
	sess, sock := startSession(t, Config{Protocol: ProtocolDesktop, Authorizer: auth})
	sess.Start()
	nextWrite(t, sock) // handshake

	pair, _ := json.Marshal(ControlMessage{Type: "pair", RelayID: "relay-7"})
	sock.inbound <- wsMsg{websocket.TextMessage, pair}

	select {
	case id := <-auth.calls:
		if id != "relay-7" {
			t.Fatalf("authorized wrong relay id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authorizer not invoked")
	}

	ack := decodeControl(t, nextWrite(t, sock))
	if ack.Type != "pairauth" || ack.RelayID != "relay-7" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestPairAuthorizationFailureIsSwallowed(t *testing.T) {
	auth := &fakeAuthorizer{err: errors.New("denied"), calls: make(chan string, 1)}
	sess, sock := startSession(t, Config{Protocol: ProtocolDesktop, Authorizer: auth})
	sess.Start()
	nextWrite(t, sock) // handshake

	pair, _ := json.Marshal(ControlMessage{Type: "pair", RelayID: "relay-9"})
	sock.inbound <- wsMsg{websocket.TextMessage, pair}
	<-auth.calls

	select {
	case m := <-sock.writes:
		t.Fatalf("unexpected write after denied pairing: %s", m.data)
	case <-time.After(100 * time.Millisecond):
	}
	if got := sess.Manager().State(); got != connmgr.Connected {
		t.Fatalf("tunnel should stay up, state %v", got)
	}
}

func TestPairWithoutAuthorizerAcknowledgesDirectly(t *testing.T) {
	sess, sock := startSession(t, Config{Protocol: ProtocolDesktop})
	sess.Start()
	nextWrite(t, sock) // handshake

	pair, _ := json.Marshal(ControlMessage{Type: "pair", RelayID: "relay-1"})
	sock.inbound <- wsMsg{websocket.TextMessage, pair}

	ack := decodeControl(t, nextWrite(t, sock))
	if ack.Type != "pairauth" || ack.RelayID != "relay-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestStatusAndOtherControlDispatch(t *testing.T) {
	status := make(chan string, 1)
	control := make(chan ControlMessage, 1)
	sess, sock := startSession(t, Config{
		Protocol:  ProtocolDesktop,
		OnStatus:  func(text string) { status <- text },
		OnControl: func(msg ControlMessage) { control <- msg },
	})
	sess.Start()
	nextWrite(t, sock) // handshake

	st, _ := json.Marshal(ControlMessage{Type: "status", Message: "paired"})
	sock.inbound <- wsMsg{websocket.TextMessage, st}
	select {
	case text := <-status:
		if text != "paired" {
			t.Fatalf("status %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status not dispatched")
	}

	pw, _ := json.Marshal(ControlMessage{Type: "power", Action: "sleep"})
	sock.inbound <- wsMsg{websocket.TextMessage, pw}
	select {
	case msg := <-control:
		if msg.Type != "power" || msg.Action != "sleep" {
			t.Fatalf("control %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control not dispatched")
	}
}

func TestMalformedControlIsIgnored(t *testing.T) {
	sess, sock := startSession(t, Config{Protocol: ProtocolDesktop})
	sess.Start()
	nextWrite(t, sock) // handshake

	sock.inbound <- wsMsg{websocket.TextMessage, []byte("{not json")}
	time.Sleep(50 * time.Millisecond)
	if got := sess.Manager().State(); got != connmgr.Connected {
		t.Fatalf("bad control frame should not drop the tunnel, state %v", got)
	}
}
