// Package shell bridges a local terminal surface and a shell-protocol
// tunnel session: raw bytes in both directions, resize as control.
package shell

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"desklink/internal/tunnel"
)

var ErrNoTerminal = errors.New("shell: terminal required")

// Sender is the tunnel surface the bridge writes to.
type Sender interface {
	SendBinary(data []byte) bool
	SendControl(msg tunnel.ControlMessage) bool
}

// Bridge shuttles bytes between a terminal and a shell tunnel.
type Bridge struct {
	sess   Sender
	term   io.ReadWriter
	logger *log.Logger

	once sync.Once
	done chan struct{}
}

func NewBridge(sess Sender, term io.ReadWriter, logger *log.Logger) (*Bridge, error) {
	if term == nil {
		return nil, ErrNoTerminal
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bridge{
		sess:   sess,
		term:   term,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// HandleOutput writes remote shell output to the terminal. Wire it to the
// session's binary callback.
func (b *Bridge) HandleOutput(data []byte) {
	select {
	case <-b.done:
		return
	default:
	}
	if _, err := b.term.Write(data); err != nil {
		b.logger.Printf("shell: terminal write failed: %v", err)
	}
}

// Resize reports a new terminal size to the remote end.
func (b *Bridge) Resize(cols, rows int) {
	b.sess.SendControl(tunnel.ControlMessage{Type: "resize", Cols: cols, Rows: rows})
}

// Run pumps terminal input into the tunnel until the terminal reaches EOF,
// the context is cancelled, or Close is called.
func (b *Bridge) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := b.term.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				b.sess.SendBinary(chunk)
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		b.Close()
		return ctx.Err()
	case <-b.done:
		return nil
	case err := <-readErr:
		b.Close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// Close stops the bridge. Idempotent.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}
