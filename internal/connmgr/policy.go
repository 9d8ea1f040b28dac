package connmgr

import (
	"errors"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes the session-control side uses to flag rejected credentials.
const (
	CloseAuthExpired   = 4401
	CloseAuthForbidden = 4403
)

// Policy drives reconnection: an ordered backoff table, symmetric jitter,
// a delay floor, and an attempt ceiling. The attempt counter resets to
// zero on every successful open.
type Policy struct {
	Backoff     []time.Duration
	Jitter      float64
	Floor       time.Duration
	MaxAttempts int
	// ShouldReconnect decides whether a closure drives the reconnect
	// machine; returning false makes the Failed state terminal until an
	// explicit Reconnect.
	ShouldReconnect func(err error) bool
	// AuthFlagged marks closures that force the auth re-check regardless
	// of its cooldown.
	AuthFlagged func(err error) bool
}

// DefaultPolicy reconnects on abnormal closures and on recognized
// auth-failure close signals, with a 500ms floor and ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Backoff: []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			15 * time.Second,
			30 * time.Second,
		},
		Jitter:          0.25,
		Floor:           500 * time.Millisecond,
		MaxAttempts:     10,
		ShouldReconnect: defaultShouldReconnect,
		AuthFlagged:     defaultAuthFlagged,
	}
}

// Delay returns the jittered delay for the given attempt. The table's last
// entry repeats for attempts past its end; the floor applies after jitter.
func (p Policy) Delay(attempt int) time.Duration {
	table := p.Backoff
	if len(table) == 0 {
		table = DefaultPolicy().Backoff
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(table) {
		attempt = len(table) - 1
	}
	base := table[attempt]
	wait := base
	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		delta := float64(base) * jitter
		wait = base - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	}
	floor := p.Floor
	if floor <= 0 {
		floor = 500 * time.Millisecond
	}
	if wait < floor {
		wait = floor
	}
	return wait
}

func defaultShouldReconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return false
		}
	}
	return true
}

func defaultAuthFlagged(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case CloseAuthExpired, CloseAuthForbidden, websocket.ClosePolicyViolation:
			return true
		}
	}
	return false
}
