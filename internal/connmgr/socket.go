package connmgr

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the single active network connection. It is bound once per
// connection attempt; the manager never rebinds handlers on a live socket.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Socket. The default implementation wraps
// gorilla/websocket; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type wsDialer struct {
	header http.Header
}

// NewDialer returns the gorilla/websocket-backed Dialer. header may carry
// the session cookie and is sent on every open.
func NewDialer(header http.Header) Dialer {
	return &wsDialer{header: header}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
