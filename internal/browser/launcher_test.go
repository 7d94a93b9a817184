package browser

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/p", StartURL: "https://app.gohighlevel.com/"})
	args := l.args()

	for _, want := range []string{"--remote-debugging-port=9333", "--user-data-dir=/tmp/p", "--window-size=1600,1000"} {
		if !slices.Contains(args, want) {
			t.Fatalf("args %v missing %q", args, want)
		}
	}
	if args[len(args)-1] != "https://app.gohighlevel.com/" {
		t.Fatalf("last arg = %q; want start url", args[len(args)-1])
	}
}

func TestDetectBrowserNoneFound(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("falls back to the system Chrome bundle on darwin")
	}
	l := NewLauncher(Config{})
	l.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := l.detectBrowser(); err == nil {
		t.Fatalf("detectBrowser() = nil error; want not found")
	}
}

func TestWaitForCDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/140","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	got, err := WaitForCDP(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForCDP() error = %v", err)
	}
	if got != "ws://127.0.0.1/devtools/browser/abc" {
		t.Fatalf("ws url = %q", got)
	}
}

func TestWaitForCDPTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := WaitForCDP(context.Background(), addr, 600*time.Millisecond); err == nil {
		t.Fatalf("WaitForCDP() = nil error; want timeout")
	}
}

func TestLaunchSkipsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: port, ProfileDir: t.TempDir()})
	l.lookPath = func(string) (string, error) {
		t.Fatalf("lookPath called; launch should be skipped")
		return "", nil
	}
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatalf("Running() = true; want false when an existing browser is reused")
	}
}
