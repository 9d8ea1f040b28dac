package integration

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"desklink/internal/connmgr"
	"desklink/internal/desktop"
	"desklink/internal/devrelay"
	"desklink/internal/input"
	"desklink/internal/sessionctl"
	"desklink/internal/tunnel"
)

// The full loop: a synthetic desktop host dials the relay, a viewer gets a
// cookie from the session-control API, connects, authorizes the pairing,
// and composites tiles; input records travel the other way.
func TestViewerRelayDeviceRoundTrip(t *testing.T) {
	cookies := devrelay.NewCookieManager("it-secret")
	relay := devrelay.NewRelay(cookies, map[string]string{"device1": "s1"})
	relay.StrictPair = true

	ts := newHTTPTestServerOrSkip(t, relay.Routes("dev-admin", time.Minute))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	powerCh := make(chan string, 1)
	inputCh := make(chan []byte, 16)
	host := devrelay.NewHost(devrelay.HostConfig{
		RelayURL:      toWS(ts.URL),
		DeviceID:      "device1",
		DeviceSecret:  "s1",
		Width:         128,
		Height:        96,
		TileSize:      32,
		FrameInterval: 20 * time.Millisecond,
		OnPower:       func(action string) { powerCh <- action },
		OnInput: func(record []byte) {
			cp := make([]byte, len(record))
			copy(cp, record)
			inputCh <- cp
		},
	})
	hostErr := make(chan error, 1)
	go func() { hostErr <- host.Run(ctx) }()

	api, err := sessionctl.New(ts.URL, "dev-admin")
	if err != nil {
		t.Fatal(err)
	}
	cookie := waitForDeviceAndCookie(t, ctx, api, powerCh)

	surface := desktop.NewRGBASurface()
	present := make(chan struct{}, 16)
	viewer := desktop.NewViewer(desktop.Config{
		Surface: surface,
		OnPresentNeeded: func() {
			select {
			case present <- struct{}{}:
			default:
			}
		},
	})

	status := make(chan string, 16)
	sess, err := tunnel.New(tunnel.Config{
		URL:        toWS(ts.URL) + "/ws/view?device=device1&cookie=" + url.QueryEscape(cookie),
		Protocol:   tunnel.ProtocolDesktop,
		AuthCheck:  api.Check,
		Authorizer: api,
		OnBinary:   viewer.Ingest,
		OnStatus:   func(text string) { status <- text },
	})
	if err != nil {
		t.Fatal(err)
	}
	sess.Start()
	defer sess.Stop()

	waitForStatus(t, status, "paired")

	deadline := time.After(10 * time.Second)
	for {
		if w, h := surface.Size(); w == 128 && h == 96 && hasPaintedPixel(surface.Snapshot()) {
			break
		}
		select {
		case <-present:
			viewer.Present()
		case <-time.After(20 * time.Millisecond):
			viewer.Present()
		case <-deadline:
			w, h := surface.Size()
			t.Fatalf("no composited frame: surface %dx%d", w, h)
		}
	}

	if got := sess.Manager().State(); got != connmgr.Connected {
		t.Fatalf("tunnel state %v", got)
	}

	// Input records flow viewer -> device.
	x, y := input.MapPointer(0.5, 0.5, 128, 96)
	sess.SendBinary(input.MouseButton(input.LeftDown, x, y))
	select {
	case rec := <-inputCh:
		if len(rec) != 10 || rec[5] != input.LeftDown {
			t.Fatalf("unexpected input record % X", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input record did not reach the device")
	}

	viewer.Detach()
	cancel()
	ts.CloseClientConnections()
	select {
	case <-hostErr:
	case <-time.After(5 * time.Second):
		t.Fatal("device host did not exit")
	}
}

// waitForDeviceAndCookie polls the power endpoint until the device host is
// registered, then issues the viewer cookie.
func waitForDeviceAndCookie(t *testing.T, ctx context.Context, api *sessionctl.Client, powerCh <-chan string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := api.Power(ctx, "device1", sessionctl.PowerWake)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("device never came online: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case action := <-powerCh:
		if action != "wake" {
			t.Fatalf("power action %q", action)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("power action not delivered to device")
	}

	cookie, err := api.IssueCookie(ctx, "device1")
	if err != nil {
		t.Fatalf("issue cookie: %v", err)
	}
	return cookie
}

func waitForStatus(t *testing.T, status <-chan string, want string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case text := <-status:
			if text == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for status %q", want)
		}
	}
}

func hasPaintedPixel(img *image.RGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			return true
		}
	}
	return false
}

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newHTTPTestServerOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "failed to listen on a port") ||
				strings.Contains(msg, "operation not permitted") ||
				strings.Contains(msg, "permission denied") {
				t.Skipf("network listen not permitted in this environment: %s", msg)
			}
			panic(r)
		}
	}()
	return httptest.NewServer(handler)
}
