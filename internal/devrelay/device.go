package devrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"desklink/internal/desktop"
	"desklink/internal/tunnel"
)

var execCommand = exec.Command
var ptyStart = pty.Start

// HostConfig configures a device-side host that dials the relay and
// serves whichever sub-protocol the first viewer asks for.
type HostConfig struct {
	RelayURL     string
	DeviceID     string
	DeviceSecret string

	// Shell is the program backing shell sessions. Defaults to bash.
	Shell string

	// Synthetic desktop geometry and cadence.
	Width         uint16
	Height        uint16
	TileSize      int
	FrameInterval time.Duration

	// OnInput observes raw input records arriving on a desktop session.
	OnInput func(record []byte)
	// OnPower observes power actions forwarded by the relay.
	OnPower func(action string)

	Logger *log.Logger
}

// Host is the device end of the relay: one outbound websocket, a shell
// or a synthetic desktop behind it.
type Host struct {
	cfg HostConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu    sync.Mutex
	shell *ptyShell
	stop  func()
}

func NewHost(cfg HostConfig) *Host {
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.Width == 0 {
		cfg.Width = 1024
	}
	if cfg.Height == 0 {
		cfg.Height = 768
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 64
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Host{cfg: cfg}
}

// Run dials the relay and serves until the context ends or the socket
// drops. Reconnecting is the caller's concern.
func (h *Host) Run(ctx context.Context) error {
	u, err := url.Parse(h.cfg.RelayURL)
	if err != nil {
		return err
	}
	u.Path = "/ws/device"
	q := u.Query()
	q.Set("device_id", h.cfg.DeviceID)
	q.Set("device_secret", h.cfg.DeviceSecret)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	h.conn = conn
	defer h.teardown()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	h.cfg.Logger.Printf("devrelay: device %s serving", h.cfg.DeviceID)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			h.handleControl(ctx, data)
		case websocket.BinaryMessage:
			h.handleBinary(data)
		default:
			// ignore
		}
	}
}

func (h *Host) handleControl(ctx context.Context, data []byte) {
	var msg tunnel.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "handshake":
		h.startProtocol(ctx, msg)
	case "resize":
		h.mu.Lock()
		shell := h.shell
		h.mu.Unlock()
		if shell != nil {
			_ = shell.resize(msg.Cols, msg.Rows)
		}
	case "power":
		h.cfg.Logger.Printf("devrelay: power action %q", msg.Action)
		if h.cfg.OnPower != nil {
			h.cfg.OnPower(msg.Action)
		}
	default:
		// ignore
	}
}

func (h *Host) handleBinary(data []byte) {
	h.mu.Lock()
	shell := h.shell
	h.mu.Unlock()
	if shell != nil {
		if err := shell.input(data); err != nil {
			h.cfg.Logger.Printf("devrelay: shell input failed: %v", err)
		}
		return
	}
	// Desktop sessions receive input records. The synthetic host only
	// traces them.
	if h.cfg.OnInput != nil {
		h.cfg.OnInput(data)
	}
}

// startProtocol launches the engine for the first handshake. Later
// handshakes from additional viewers reuse the running engine; desktop
// viewers joining late still get the screen size announced again.
func (h *Host) startProtocol(ctx context.Context, msg tunnel.ControlMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shell != nil {
		return
	}
	if h.stop != nil {
		if msg.Protocol == tunnel.ProtocolDesktop {
			go h.send(websocket.BinaryMessage, desktop.EncodeScreenSize(h.cfg.Width, h.cfg.Height))
		}
		return
	}
	switch msg.Protocol {
	case tunnel.ProtocolShell:
		shell, err := startShell(h.cfg.Shell, msg.Cols, msg.Rows)
		if err != nil {
			h.cfg.Logger.Printf("devrelay: shell start failed: %v", err)
			return
		}
		h.shell = shell
		go h.pumpShell(shell)
	case tunnel.ProtocolDesktop:
		streamCtx, cancel := context.WithCancel(ctx)
		h.stop = cancel
		go h.streamDesktop(streamCtx)
	}
}

func (h *Host) pumpShell(shell *ptyShell) {
	for chunk := range shell.output {
		if err := h.send(websocket.BinaryMessage, chunk); err != nil {
			return
		}
	}
}

// streamDesktop announces the screen size and then emits one synthetic
// tile per interval, walking the tile across the screen.
func (h *Host) streamDesktop(ctx context.Context) {
	if err := h.send(websocket.BinaryMessage, desktop.EncodeScreenSize(h.cfg.Width, h.cfg.Height)); err != nil {
		return
	}
	ticker := time.NewTicker(h.cfg.FrameInterval)
	defer ticker.Stop()

	cols := int(h.cfg.Width) / h.cfg.TileSize
	rows := int(h.cfg.Height) / h.cfg.TileSize
	if cols == 0 {
		cols = 1
	}
	if rows == 0 {
		rows = 1
	}
	frame := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		x := uint16((frame % cols) * h.cfg.TileSize)
		y := uint16(((frame / cols) % rows) * h.cfg.TileSize)
		tile, err := renderTile(h.cfg.TileSize, frame)
		if err != nil {
			h.cfg.Logger.Printf("devrelay: tile render failed: %v", err)
			return
		}
		buf, err := desktop.EncodeTile(x, y, tile)
		if err != nil {
			h.cfg.Logger.Printf("devrelay: tile encode failed: %v", err)
			return
		}
		if err := h.send(websocket.BinaryMessage, buf); err != nil {
			return
		}
		frame++
	}
}

func (h *Host) send(messageType int, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(messageType, data)
}

func (h *Host) teardown() {
	h.mu.Lock()
	shell := h.shell
	stop := h.stop
	h.shell = nil
	h.stop = nil
	h.mu.Unlock()
	if shell != nil {
		_ = shell.close()
	}
	if stop != nil {
		stop()
	}
	_ = h.conn.Close()
}

// renderTile paints a PNG test-pattern tile whose hue tracks the frame
// counter, so a viewer can see motion.
func renderTile(size, frame int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	base := uint8(frame * 16)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: base + uint8(x*255/size),
				G: base,
				B: base + uint8(y*255/size),
				A: 0xFF,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ptyShell runs the shell program under a PTY.
type ptyShell struct {
	cmd    *exec.Cmd
	pty    *os.File
	output chan []byte
	once   sync.Once
}

func startShell(shell string, cols, rows int) (*ptyShell, error) {
	cmd := execCommand(shell, "-l")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := ptyStart(cmd)
	if err != nil {
		return nil, err
	}
	if cols > 0 && rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}
	s := &ptyShell{cmd: cmd, pty: ptmx, output: make(chan []byte, 32)}
	go s.readLoop()
	go s.wait()
	return s, nil
}

func (s *ptyShell) input(p []byte) error {
	_, err := s.pty.Write(p)
	return err
}

func (s *ptyShell) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("bad size %dx%d", cols, rows)
	}
	return pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (s *ptyShell) close() error {
	s.once.Do(func() {
		_ = s.pty.Close()
	})
	return nil
}

func (s *ptyShell) readLoop() {
	defer close(s.output)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (s *ptyShell) wait() {
	_ = s.cmd.Wait()
	_ = s.close()
}
