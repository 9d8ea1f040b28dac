// Package connmgr owns exactly one websocket at a time and keeps it alive
// across flaky connectivity: state machine, jittered backoff, outbound
// queue replay, and environment-change responsiveness.
package connmgr

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// State is the single active connection state. Transitions happen only
// inside the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	authCheckCooldown = 30 * time.Second
	openCheckInterval = 2 * time.Minute
	authCheckTimeout  = 10 * time.Second
	dialTimeout       = 15 * time.Second
)

var ErrNoURL = errors.New("connmgr: url required")

type pendingMessage struct {
	messageType int
	data        []byte
}

// Config configures a Manager.
type Config struct {
	URL    string
	Dialer Dialer
	Policy Policy
	// AuthCheck re-validates the session before a gated reconnect. A
	// failure transitions straight to Failed without a socket attempt.
	AuthCheck func(ctx context.Context) error
	// OnOpen runs after each successful open, before queued messages are
	// flushed. The write function goes to the socket directly, so
	// handshakes always precede replayed traffic.
	OnOpen func(write func(messageType int, data []byte) error)
	// OnMessage receives every inbound message.
	OnMessage func(messageType int, data []byte)
	// OnState observes state changes. Called with the Manager's lock
	// held; it must not call back into the Manager.
	OnState func(State)
	Logger  *log.Logger
}

// Manager implements the connection state machine.
type Manager struct {
	cfg    Config
	policy Policy
	nowFn  func() time.Time

	mu            sync.Mutex
	writeMu       sync.Mutex
	state         State
	sock          Socket
	gen           uint64
	attempts      int
	timer         *time.Timer
	pending       []pendingMessage
	dialing       bool
	manualStop    bool
	disposed      bool
	lastOpen      time.Time
	lastAuthCheck time.Time
	authFlagged   bool
}

// New validates the config and builds a Manager in the Disconnected state.
func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	policy := cfg.Policy
	if policy.ShouldReconnect == nil {
		policy.ShouldReconnect = defaultShouldReconnect
	}
	if policy.AuthFlagged == nil {
		policy.AuthFlagged = defaultAuthFlagged
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	return &Manager{
		cfg:    cfg,
		policy: policy,
		nowFn:  time.Now,
		state:  Disconnected,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the socket. It no-ops while a socket is open or opening.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.disposed || m.sock != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.manualStop = false
	m.cancelTimerLocked()
	m.dialing = true
	m.mu.Unlock()
	go m.attemptConnect(false)
}

// Send delivers data when connected, returning true. While closed it
// enqueues for FIFO replay on the next open and returns false; if the
// manager is fully idle it also starts a fresh reconnect with the attempt
// counter forced to zero.
func (m *Manager) Send(messageType int, data []byte) bool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	if m.state == Connected && m.sock != nil {
		sock := m.sock
		m.mu.Unlock()
		m.writeMu.Lock()
		err := sock.WriteMessage(messageType, data)
		m.writeMu.Unlock()
		if err == nil {
			return true
		}
		m.cfg.Logger.Printf("connmgr: write failed, queueing: %v", err)
		m.mu.Lock()
	}
	m.pending = append(m.pending, pendingMessage{messageType, cloneBytes(data)})
	if !m.manualStop && m.sock == nil && !m.dialing && m.timer == nil {
		m.attempts = 0
		m.setStateLocked(Reconnecting)
		m.timer = time.AfterFunc(0, m.retry)
	}
	m.mu.Unlock()
	return false
}

// Disconnect closes the socket and stops reconnecting until an explicit
// Connect or Reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.manualStop = true
	m.cancelTimerLocked()
	m.closeSocketLocked()
	m.setStateLocked(Disconnected)
}

// Reconnect resets the attempt counter and opens the socket, clearing a
// terminal Failed state.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.manualStop = false
	m.attempts = 0
	m.cancelTimerLocked()
	if m.sock != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()
	go m.attemptConnect(false)
}

// NetworkRestored signals that connectivity came back. If the manager is
// Failed or Disconnected it resets attempts and reconnects immediately.
func (m *Manager) NetworkRestored() { m.resume() }

// SurfaceVisible signals that the viewing surface regained visibility,
// with the same resume semantics as NetworkRestored.
func (m *Manager) SurfaceVisible() { m.resume() }

// NetworkLost cancels any pending reconnect timer; reconnection resumes
// on NetworkRestored.
func (m *Manager) NetworkLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
	if m.state == Reconnecting {
		m.setStateLocked(Disconnected)
	}
}

// Dispose tears the manager down: socket, timer and queue are released and
// every later call is a no-op. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	m.cancelTimerLocked()
	m.closeSocketLocked()
	m.pending = nil
	m.state = Disconnected
}

func (m *Manager) resume() {
	m.mu.Lock()
	if m.disposed || m.manualStop {
		m.mu.Unlock()
		return
	}
	if m.state != Failed && m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.cancelTimerLocked()
	if m.sock != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()
	go m.attemptConnect(true)
}

// attemptConnect runs one connection attempt. Gated attempts re-validate
// the session first when the cooldown windows allow it.
func (m *Manager) attemptConnect(gated bool) {
	if gated && m.cfg.AuthCheck != nil && m.takeAuthCheck() {
		ctx, cancel := context.WithTimeout(context.Background(), authCheckTimeout)
		err := m.cfg.AuthCheck(ctx)
		cancel()
		if err != nil {
			m.cfg.Logger.Printf("connmgr: session check failed: %v", err)
			m.mu.Lock()
			m.dialing = false
			m.setStateLocked(Failed)
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		m.authFlagged = false
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.disposed || m.manualStop {
		m.dialing = false
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	sock, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	m.dialing = false
	if m.disposed || m.manualStop {
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		m.cfg.Logger.Printf("connmgr: dial failed: %v", err)
		m.setStateLocked(Disconnected)
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}
	m.sock = sock
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.lastOpen = m.nowFn()
	m.authFlagged = false
	m.mu.Unlock()

	if m.cfg.OnOpen != nil {
		m.cfg.OnOpen(func(messageType int, data []byte) error {
			m.writeMu.Lock()
			defer m.writeMu.Unlock()
			return sock.WriteMessage(messageType, data)
		})
	}
	m.flushPending(sock, gen)
	go m.readLoop(sock, gen)
}

// flushPending replays queued messages strictly FIFO, then flips the state
// to Connected once the queue is empty.
func (m *Manager) flushPending(sock Socket, gen uint64) {
	for {
		m.mu.Lock()
		if m.disposed || m.gen != gen || m.sock == nil {
			m.mu.Unlock()
			return
		}
		if len(m.pending) == 0 {
			m.setStateLocked(Connected)
			m.mu.Unlock()
			return
		}
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for i, p := range batch {
			m.writeMu.Lock()
			err := sock.WriteMessage(p.messageType, p.data)
			m.writeMu.Unlock()
			if err != nil {
				m.cfg.Logger.Printf("connmgr: replay write failed: %v", err)
				// The failed message and the rest of the batch go back to
				// the head of the queue so the next open replays them in
				// order.
				m.mu.Lock()
				if !m.disposed {
					m.pending = append(append([]pendingMessage{}, batch[i:]...), m.pending...)
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

func (m *Manager) readLoop(sock Socket, gen uint64) {
	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(messageType, data)
		}
	}
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.gen != gen {
		return
	}
	m.closeSocketLocked()
	m.setStateLocked(Disconnected)
	if m.manualStop {
		return
	}
	m.authFlagged = m.policy.AuthFlagged(err)
	if !m.policy.ShouldReconnect(err) {
		m.cfg.Logger.Printf("connmgr: closed without retry: %v", err)
		m.setStateLocked(Failed)
		return
	}
	m.cfg.Logger.Printf("connmgr: closed, scheduling reconnect: %v", err)
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms one reconnect timer using the backoff table
// indexed by the current attempt counter, then advances the counter.
func (m *Manager) scheduleRetryLocked() {
	if m.disposed || m.manualStop || m.timer != nil {
		return
	}
	if m.attempts >= m.policy.MaxAttempts {
		m.setStateLocked(Failed)
		return
	}
	delay := m.policy.Delay(m.attempts)
	m.attempts++
	m.setStateLocked(Reconnecting)
	m.timer = time.AfterFunc(delay, m.retry)
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.timer = nil
	if m.disposed || m.manualStop || m.sock != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()
	m.attemptConnect(true)
}

// takeAuthCheck reports whether the session must be re-validated before
// this reopen, and records the check time when it is.
func (m *Manager) takeAuthCheck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	need := m.authFlagged ||
		m.lastAuthCheck.IsZero() || now.Sub(m.lastAuthCheck) > authCheckCooldown ||
		m.lastOpen.IsZero() || now.Sub(m.lastOpen) > openCheckInterval
	if need {
		m.lastAuthCheck = now
	}
	return need
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) closeSocketLocked() {
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
		m.gen++
	}
}

func cloneBytes(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
