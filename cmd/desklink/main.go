package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"desklink/internal/connmgr"
	"desklink/internal/desktop"
	"desklink/internal/devrelay"
	"desklink/internal/input"
	"desklink/internal/qr"
	"desklink/internal/sessionctl"
	"desklink/internal/shell"
	"desklink/internal/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "view":
		viewCmd(os.Args[2:])
	case "shell":
		shellCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "power":
		powerCmd(os.Args[2:])
	case "qr":
		qrCmd(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("desklink %s (%s) %s\n", version, commit, date)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("desklink <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  view     Connect to a device desktop")
	fmt.Println("  shell    Connect to a device shell")
	fmt.Println("  serve    Start the dev relay + device host")
	fmt.Println("  power    Send a power action to a device")
	fmt.Println("  qr       Print QR code for a URL")
	fmt.Println("  version  Print version")
}

func viewCmd(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	relay := fs.String("relay", "http://127.0.0.1:8090", "relay base url")
	device := fs.String("device", "device1", "device id")
	adminToken := fs.String("admin-token", "dev-admin", "admin token for cookie issuance")
	cookie := fs.String("cookie", "", "session cookie (skips issuance)")
	snapshot := fs.String("snapshot", "", "write framebuffer PNG here on exit")
	refresh := fs.Duration("refresh", 100*time.Millisecond, "present interval")
	fs.Parse(args)

	logger := log.New(os.Stderr, "[view] ", log.LstdFlags)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := newAPIClient(ctx, *relay, *adminToken, *cookie, *device)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	surface := desktop.NewRGBASurface()
	needPresent := make(chan struct{}, 1)
	viewer := desktop.NewViewer(desktop.Config{
		Surface: surface,
		OnPresentNeeded: func() {
			select {
			case needPresent <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})

	sess, err := tunnel.New(tunnel.Config{
		URL:        viewerURL(*relay, *device, api.Cookie()),
		Protocol:   tunnel.ProtocolDesktop,
		AuthCheck:  api.Check,
		Authorizer: api,
		OnBinary:   viewer.Ingest,
		OnStatus:   func(text string) { logger.Printf("relay: %s", text) },
		OnState:    func(state connmgr.State) { logger.Printf("connection: %s", state) },
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("tunnel: %v", err)
	}
	sess.Start()
	defer sess.Stop()

	wireEnvSignals(sess.Manager())
	go forwardKeys(ctx, stop, sess)

	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			viewer.Detach()
			if *snapshot != "" {
				if err := writeSnapshot(*snapshot, surface); err != nil {
					logger.Printf("snapshot: %v", err)
				}
			}
			return
		case <-needPresent:
			viewer.Present()
		case <-ticker.C:
			viewer.Present()
		}
	}
}

// forwardKeys turns local terminal keystrokes into remote key records.
// Ctrl-C exits the viewer instead of being forwarded.
func forwardKeys(ctx context.Context, stop func(), sess *tunnel.Session) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, old)
		}
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		if ctx.Err() != nil {
			return
		}
		r, _, err := reader.ReadRune()
		if err != nil {
			return
		}
		if r == 0x03 {
			stop()
			return
		}
		name := keyName(r)
		if down, ok := input.Key(name, false); ok {
			sess.SendBinary(down)
		}
		if up, ok := input.Key(name, true); ok {
			sess.SendBinary(up)
		}
	}
}

func keyName(r rune) string {
	switch r {
	case '\r', '\n':
		return "Enter"
	case '\t':
		return "Tab"
	case 0x7F, 0x08:
		return "Backspace"
	case 0x1B:
		return "Escape"
	}
	return string(r)
}

func shellCmd(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	relay := fs.String("relay", "http://127.0.0.1:8090", "relay base url")
	device := fs.String("device", "device1", "device id")
	adminToken := fs.String("admin-token", "dev-admin", "admin token for cookie issuance")
	cookie := fs.String("cookie", "", "session cookie (skips issuance)")
	fs.Parse(args)

	logger := log.New(os.Stderr, "[shell] ", log.LstdFlags)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := newAPIClient(ctx, *relay, *adminToken, *cookie, *device)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	cols, rows := 80, 24
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		cols, rows = w, h
	}

	var bridge *shell.Bridge
	sess, err := tunnel.New(tunnel.Config{
		URL:       viewerURL(*relay, *device, api.Cookie()),
		Protocol:  tunnel.ProtocolShell,
		Cols:      cols,
		Rows:      rows,
		AuthCheck: api.Check,
		Authorizer: api,
		OnBinary: func(data []byte) {
			if bridge != nil {
				bridge.HandleOutput(data)
			}
		},
		OnStatus: func(text string) { logger.Printf("relay: %s", text) },
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("tunnel: %v", err)
	}

	bridge, err = shell.NewBridge(sess, stdio{}, logger)
	if err != nil {
		log.Fatalf("bridge: %v", err)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, old)
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				bridge.Resize(w, h)
			}
		}
	}()

	sess.Start()
	defer sess.Stop()
	wireEnvSignals(sess.Manager())

	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("bridge stopped: %v", err)
	}
}

// stdio is the local terminal as one ReadWriter.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8090", "relay listen address")
	cookieSecret := fs.String("cookie-secret", "dev-secret", "cookie signing secret")
	adminToken := fs.String("admin-token", "dev-admin", "admin token for cookie/power endpoints")
	cookieTTL := fs.Int("cookie-ttl", 300, "cookie ttl seconds")
	strictPair := fs.Bool("strict-pair", false, "require pairing approval through the API")
	deviceID := fs.String("device-id", "device1", "device id")
	deviceSecret := fs.String("device-secret", "device-secret", "device secret")
	mode := fs.String("mode", "desktop", "device mode: desktop or shell")
	shellProg := fs.String("shell", "bash", "shell program for shell mode")
	width := fs.Int("width", 1024, "synthetic desktop width")
	height := fs.Int("height", 768, "synthetic desktop height")
	baseURL := fs.String("url", "", "base URL to print/QR")
	printQR := fs.Bool("qr", true, "print QR code to terminal")
	compactQR := fs.Bool("compact-qr", false, "use the half-height QR rendering")
	fs.Parse(args)

	if *mode != "desktop" && *mode != "shell" {
		log.Fatalf("unknown mode %q", *mode)
	}

	listenAddr, err := resolveListenAddr(*addr)
	if err != nil {
		log.Fatalf("listen address: %v", err)
	}

	relay := devrelay.NewRelay(devrelay.NewCookieManager(*cookieSecret), map[string]string{*deviceID: *deviceSecret})
	relay.StrictPair = *strictPair
	relay.SetLogger(log.New(os.Stdout, "[relay] ", log.LstdFlags))

	server := &http.Server{Addr: listenAddr, Handler: relay.Routes(*adminToken, time.Duration(*cookieTTL)*time.Second)}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostCfg := devrelay.HostConfig{
		RelayURL:     wsURL(listenAddr, ""),
		DeviceID:     *deviceID,
		DeviceSecret: *deviceSecret,
		Width:        uint16(*width),
		Height:       uint16(*height),
		Logger:       log.New(os.Stdout, "[device] ", log.LstdFlags),
	}
	if *mode == "shell" {
		hostCfg.Shell = *shellProg
	}
	go runHostWithRetry(ctx, hostCfg, 2*time.Second)

	share := buildShareURL(*baseURL, listenAddr, *deviceID)
	fmt.Printf("Open: %s\n", share)
	if *printQR {
		render := qr.RenderANSI
		if *compactQR {
			render = qr.RenderCompact
		}
		_ = render(os.Stdout, share)
		fmt.Println()
	}

	<-ctx.Done()
	_ = server.Shutdown(context.Background())
}

// resolveListenAddr keeps addr when its port is free and falls back to a
// free ephemeral port when it is busy.
func resolveListenAddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", err
	}
	free, err := devrelay.PickFreePort(port)
	if err != nil {
		return "", err
	}
	if port != 0 && free != port {
		log.Printf("port %d busy, using %d", port, free)
	}
	return net.JoinHostPort(host, strconv.Itoa(free)), nil
}

// runHostWithRetry keeps the device host dialed into the relay, retrying
// after transient failures until the context ends.
func runHostWithRetry(ctx context.Context, cfg devrelay.HostConfig, delay time.Duration) {
	for {
		host := devrelay.NewHost(cfg)
		err := host.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("device host: %v (retrying in %s)", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func powerCmd(args []string) {
	fs := flag.NewFlagSet("power", flag.ExitOnError)
	relay := fs.String("relay", "http://127.0.0.1:8090", "relay base url")
	adminToken := fs.String("admin-token", "dev-admin", "admin token")
	device := fs.String("device", "device1", "device id")
	fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal("usage: desklink power [flags] <wake|sleep|reset|poweroff>")
	}

	api, err := sessionctl.New(*relay, *adminToken)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Power(ctx, *device, sessionctl.PowerAction(fs.Arg(0))); err != nil {
		log.Fatal(err)
	}
}

func qrCmd(args []string) {
	fs := flag.NewFlagSet("qr", flag.ExitOnError)
	compact := fs.Bool("compact", false, "use the half-height rendering")
	fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal("usage: desklink qr [-compact] <url>")
	}
	render := qr.RenderANSI
	if *compact {
		render = qr.RenderCompact
	}
	if err := render(os.Stdout, fs.Arg(0)); err != nil {
		log.Fatal(err)
	}
}

// newAPIClient builds the session-control client and ensures it holds a
// cookie, issuing one when none was supplied.
func newAPIClient(ctx context.Context, relay, adminToken, cookie, device string) (*sessionctl.Client, error) {
	api, err := sessionctl.New(relay, adminToken)
	if err != nil {
		return nil, err
	}
	if cookie != "" {
		api.SetCookie(cookie)
		return api, nil
	}
	issueCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := api.IssueCookie(issueCtx, device); err != nil {
		return nil, err
	}
	return api, nil
}

// wireEnvSignals maps SIGUSR1/SIGUSR2 onto the connection manager's
// network-lost and network-restored signals, handy when testing behind
// flaky links.
func wireEnvSignals(mgr *connmgr.Manager) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range ch {
			if sig == syscall.SIGUSR1 {
				mgr.NetworkLost()
			} else {
				mgr.NetworkRestored()
			}
		}
	}()
}

func writeSnapshot(path string, surface *desktop.RGBASurface) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, surface.Snapshot())
}

func wsURL(addr, path string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		addr = strings.Replace(addr, "http://", "ws://", 1)
		addr = strings.Replace(addr, "https://", "wss://", 1)
		return addr + path
	}
	return "ws://" + addr + path
}

// viewerURL builds the viewer websocket URL with the device and cookie in
// the query, matching what the relay's /ws/view expects.
func viewerURL(relay, device, cookie string) string {
	base := wsURL(strings.TrimRight(relay, "/"), "/ws/view")
	q := url.Values{}
	q.Set("device", device)
	q.Set("cookie", cookie)
	return base + "?" + q.Encode()
}

func buildShareURL(baseURL, addr, device string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "http://" + addr
	}
	return fmt.Sprintf("%s/?device=%s", base, device)
}
