package main

import (
	"bytes"
	"errors"
	"flag"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pseudocoder/livesync/internal/broker"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

func TestEndpointOptionsResolve(t *testing.T) {
	cfg := writeConfig(t, `
[endpoint]
broker_url = "ws://relay.example:7171"
user_name = "Ann"
allow_guest_edit = false
poll_interval_ms = 500
`)

	t.Run("file values", func(t *testing.T) {
		opts := &EndpointOptions{Config: cfg, AllowGuestEdit: true}
		ec, err := opts.resolve(map[string]bool{})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if ec.BrokerURL != "ws://relay.example:7171" || ec.UserName != "Ann" || ec.PollIntervalMs != 500 {
			t.Fatalf("unexpected endpoint config %+v", ec)
		}
		if *ec.AllowGuestEdit {
			t.Fatal("unset --allow-edit must keep the file's false")
		}
		if ec.BatchWindowMs != 30 {
			t.Fatalf("expected default batch window, got %d", ec.BatchWindowMs)
		}
	})

	t.Run("flags override", func(t *testing.T) {
		opts := &EndpointOptions{Config: cfg, BrokerURL: "ws://other:1", UserName: "Bob", PollMs: 100, AllowGuestEdit: true}
		ec, err := opts.resolve(map[string]bool{"allow-edit": true})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if ec.BrokerURL != "ws://other:1" || ec.UserName != "Bob" || ec.PollIntervalMs != 100 {
			t.Fatalf("unexpected endpoint config %+v", ec)
		}
		if !*ec.AllowGuestEdit {
			t.Fatal("explicit --allow-edit must override the file")
		}
	})
}

func TestEndpointOptionsRegister(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	opts := &EndpointOptions{}
	opts.register(fs)
	if err := fs.Parse([]string{"--broker", "ws://b:1", "--name", "Cy", "--poll-ms", "75", "--fingerprint", "AA:BB"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.BrokerURL != "ws://b:1" || opts.UserName != "Cy" || opts.PollMs != 75 || opts.Fingerprint != "AA:BB" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestJoinLink(t *testing.T) {
	want := JoinTarget{BrokerURL: "wss://relay.example:443/base", Code: "ABC-DEF", Fingerprint: "AA:BB:CC"}
	link := JoinLink(want)
	if !strings.HasPrefix(link, "livesync://join?") {
		t.Fatalf("unexpected link %q", link)
	}

	got, err := ParseJoinLink(link)
	if err != nil {
		t.Fatalf("ParseJoinLink: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	plain, err := ParseJoinLink(JoinLink(JoinTarget{BrokerURL: "ws://x:1", Code: "ABC-DEF"}))
	if err != nil || plain.Fingerprint != "" {
		t.Fatalf("unexpected plain target %+v (err %v)", plain, err)
	}

	for _, bad := range []string{
		"https://join?code=ABC-DEF",
		"livesync://pair?code=ABC-DEF",
		"livesync://join?broker=ws://x",
	} {
		if _, err := ParseJoinLink(bad); err == nil {
			t.Errorf("ParseJoinLink(%q) should fail", bad)
		}
	}
}

func TestDisplayJoinCode(t *testing.T) {
	var buf bytes.Buffer
	DisplayJoinCode(&buf, JoinTarget{BrokerURL: "ws://127.0.0.1:7171", Code: "ABC-DEF"})
	out := buf.String()
	for _, want := range []string{
		"SESSION CODE: ABC-DEF",
		"livesync join --broker ws://127.0.0.1:7171 ABC-DEF",
		"livesync://join?",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}

	buf.Reset()
	DisplayJoinCode(&buf, JoinTarget{BrokerURL: "wss://relay:7443", Code: "ABC-DEF", Fingerprint: "AA:BB"})
	if !strings.Contains(buf.String(), "--fingerprint AA:BB ABC-DEF") {
		t.Fatalf("expected pinned join command, got %q", buf.String())
	}
}

func TestDisplayJoinQRCodeFallsBackWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	DisplayJoinQRCode(&buf, JoinTarget{BrokerURL: "ws://127.0.0.1:7171", Code: "ABC-DEF"})
	out := buf.String()
	if strings.Contains(out, "SCAN TO JOIN") {
		t.Fatal("a buffer is not a terminal; QR should be skipped")
	}
	if !strings.Contains(out, "SESSION CODE: ABC-DEF") {
		t.Fatalf("expected text fallback, got %q", out)
	}
}

func TestDescribeConnectError(t *testing.T) {
	dial := apperrors.DialFailed("ws://x", errors.New("connection refused"))
	if got := describeConnectError(dial); !strings.Contains(got, "connection refused") {
		t.Fatalf("dial failures should include the cause, got %q", got)
	}
	if got := describeConnectError(apperrors.SessionNotFound("ABC-DEF")); got != "Session not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestHostMissingDirectory(t *testing.T) {
	cfg := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	code := runHost([]string{"--config", cfg, filepath.Join(t.TempDir(), "missing")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestHostBrokerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	code := runHost([]string{"--config", cfg, "--broker", "ws://" + addr, t.TempDir()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "failed to start session") {
		t.Fatalf("expected start error, got %q", stderr.String())
	}
}

func TestJoinRequiresCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runJoin([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: livesync join") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
}

func TestJoinInvalidCode(t *testing.T) {
	cfg := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	code := runJoin([]string{"--config", cfg, "not-a-code", t.TempDir()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "invalid session identifier") {
		t.Fatalf("expected invalid id error, got %q", stderr.String())
	}
}

func TestJoinUnknownSession(t *testing.T) {
	srv := broker.NewServer(broker.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	cfg := writeConfig(t, "")
	brokerURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	var stdout, stderr bytes.Buffer
	code := runJoin([]string{"--config", cfg, "--broker", brokerURL, "ABC-DEF", t.TempDir()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Session not found") {
		t.Fatalf("expected not found error, got %q", stderr.String())
	}
}

// TestHostAndJoinMirror runs both commands against one broker: the guest
// mirrors the host's files, and stopping the host ends the guest.
func TestHostAndJoinMirror(t *testing.T) {
	sigs := captureSignals(t)

	srv := broker.NewServer(broker.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()
	brokerURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg := writeConfig(t, "")

	hostDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(hostDir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"README.md":   "# demo\n",
		"src/main.go": "package main\n\nfunc main() {}\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(hostDir, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	hostOut := &syncBuffer{}
	hostErr := &syncBuffer{}
	hostDone := make(chan int, 1)
	go func() {
		hostDone <- runHost([]string{"--config", cfg, "--broker", brokerURL, "--name", "Ann", hostDir}, hostOut, hostErr)
	}()
	code := waitForOutput(t, hostOut, regexp.MustCompile(`SESSION CODE: ([A-Z0-9]{3}-[A-Z0-9]{3})`))
	hostSignals := <-sigs

	mirror := filepath.Join(t.TempDir(), "mirror")
	guestOut := &syncBuffer{}
	guestErr := &syncBuffer{}
	guestDone := make(chan int, 1)
	go func() {
		guestDone <- runJoin([]string{"--config", cfg, "--broker", brokerURL, "--name", "Bob", strings.ToLower(code), mirror}, guestOut, guestErr)
	}()
	waitForOutput(t, guestOut, regexp.MustCompile(`Joined session `+code))
	<-sigs

	deadline := time.Now().Add(5 * time.Second)
	for name, want := range files {
		path := filepath.Join(mirror, filepath.FromSlash(name))
		for {
			data, err := os.ReadFile(path)
			if err == nil && string(data) == want {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never mirrored (got %q, err %v)", name, data, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	hostSignals <- os.Interrupt
	if exit := waitExit(t, hostDone); exit != 0 {
		t.Fatalf("host exit %d: %s", exit, hostErr.String())
	}
	if exit := waitExit(t, guestDone); exit != 1 {
		t.Fatalf("guest should exit 1 once the host stops, got %d", exit)
	}
	if !strings.Contains(guestErr.String(), "Session ended") {
		t.Fatalf("expected session ended message, got %q", guestErr.String())
	}
	if !strings.Contains(guestOut.String(), "The host stopped the session") {
		t.Fatalf("expected host-stopped notification, got %q", guestOut.String())
	}
}

func TestJoinStopsOnSignal(t *testing.T) {
	sigs := captureSignals(t)

	srv := broker.NewServer(broker.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()
	brokerURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg := writeConfig(t, "")

	hostOut := &syncBuffer{}
	hostDone := make(chan int, 1)
	go func() {
		hostDone <- runHost([]string{"--config", cfg, "--broker", brokerURL, "--allow-edit=false", t.TempDir()}, hostOut, &syncBuffer{})
	}()
	code := waitForOutput(t, hostOut, regexp.MustCompile(`SESSION CODE: ([A-Z0-9]{3}-[A-Z0-9]{3})`))
	if !strings.Contains(hostOut.String(), "Guests join read-only.") {
		t.Fatalf("expected read-only notice, got %q", hostOut.String())
	}
	hostSignals := <-sigs

	link := JoinLink(JoinTarget{BrokerURL: brokerURL, Code: code})
	guestOut := &syncBuffer{}
	guestDone := make(chan int, 1)
	go func() {
		guestDone <- runJoin([]string{"--config", cfg, link, t.TempDir()}, guestOut, &syncBuffer{})
	}()
	waitForOutput(t, guestOut, regexp.MustCompile(`Joined session`))
	waitForOutput(t, guestOut, regexp.MustCompile(`Joined read-only`))

	interrupt(t, sigs)
	if exit := waitExit(t, guestDone); exit != 0 {
		t.Fatalf("guest exit %d", exit)
	}

	hostSignals <- os.Interrupt
	if exit := waitExit(t, hostDone); exit != 0 {
		t.Fatalf("host exit %d", exit)
	}
}
