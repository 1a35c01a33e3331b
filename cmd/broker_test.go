package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/directory"
)

func TestBrokerRejectsHalfTLSPair(t *testing.T) {
	cfg := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	code := runBroker([]string{"--config", cfg, "--tls-cert", "cert.pem"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--tls-cert and --tls-key") {
		t.Fatalf("expected tls pair error, got %q", stderr.String())
	}
}

func TestBrokerPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	code := runBroker([]string{"--config", cfg, "--addr", ln.Addr().String()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "failed to listen") {
		t.Fatalf("expected listen error, got %q", stderr.String())
	}
}

func TestBrokerRejectsExtraArguments(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runBroker([]string{"extra"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestBrokerServesUntilSignalled(t *testing.T) {
	sigs := captureSignals(t)
	cfg := writeConfig(t, "")
	metricsDB := filepath.Join(t.TempDir(), "metrics.db")
	logFile := filepath.Join(t.TempDir(), "logs", "broker.log")

	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- runBroker([]string{
			"--config", cfg,
			"--addr", "127.0.0.1:0",
			"--metrics-db", metricsDB,
			"--log-file", logFile,
		}, stdout, stderr)
	}()

	addr := waitForOutput(t, stdout, regexp.MustCompile(`Broker listening on (\S+)`))
	if !strings.Contains(stdout.String(), "Public URL: ws://127.0.0.1:0") {
		t.Fatalf("expected configured public URL, got %q", stdout.String())
	}

	var out, errOut bytes.Buffer
	if code := runStatus([]string{"--config", cfg, "--broker", "ws://" + addr}, &out, &errOut); code != 0 {
		t.Fatalf("status exit %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Sessions:  0 active") {
		t.Fatalf("unexpected status output %q", out.String())
	}
	if !strings.Contains(out.String(), "Metrics (24h)") {
		t.Fatalf("expected metrics summary with --metrics-db, got %q", out.String())
	}

	interrupt(t, sigs)
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr %q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "stopping") {
		t.Fatalf("expected stop message, got %q", stdout.String())
	}
}

func TestBrokerSelfSignedTLS(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	sigs := captureSignals(t)
	cfg := writeConfig(t, "")

	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- runBroker([]string{"--config", cfg, "--addr", "127.0.0.1:0", "--tls-self-signed"}, stdout, stderr)
	}()

	addr := waitForOutput(t, stdout, regexp.MustCompile(`Broker listening on (\S+)`))
	fp := waitForOutput(t, stdout, regexp.MustCompile(`Certificate fingerprint: (\S+)`))
	if !strings.Contains(stdout.String(), "Public URL: wss://") {
		t.Fatalf("expected wss public url, got %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Generated TLS certificate") {
		t.Fatalf("first run should generate a certificate, got %q", stdout.String())
	}

	var out, errOut bytes.Buffer
	if code := runStatus([]string{"--config", cfg, "--broker", "wss://" + addr, "--fingerprint", fp}, &out, &errOut); code != 0 {
		t.Fatalf("pinned status exit %d: %s", code, errOut.String())
	}

	out.Reset()
	errOut.Reset()
	if code := runStatus([]string{"--config", cfg, "--broker", "wss://" + addr}, &out, &errOut); code != 1 {
		t.Fatalf("unpinned status should fail verification, got exit %d", code)
	}

	interrupt(t, sigs)
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr %q)", code, stderr.String())
	}
}

func TestMergeBrokerConfig(t *testing.T) {
	file := config.BrokerConfig{
		Addr:        "0.0.0.0:9000",
		MdnsEnabled: true,
		RedisAddr:   "redis:6379",
	}

	t.Run("file values survive unset flags", func(t *testing.T) {
		bc := mergeBrokerConfig(file, &BrokerOptions{}, map[string]bool{})
		if bc.Addr != "0.0.0.0:9000" || !bc.MdnsEnabled || bc.RedisAddr != "redis:6379" {
			t.Fatalf("unexpected merge %+v", bc)
		}
		if bc.PublicURL != "ws://0.0.0.0:9000" {
			t.Fatalf("expected derived public url, got %q", bc.PublicURL)
		}
	})

	t.Run("flags override", func(t *testing.T) {
		opts := &BrokerOptions{Addr: "127.0.0.1:7000", MdnsEnabled: false}
		bc := mergeBrokerConfig(file, opts, map[string]bool{"addr": true, "mdns": true})
		if bc.Addr != "127.0.0.1:7000" {
			t.Fatalf("expected flag addr, got %q", bc.Addr)
		}
		if bc.MdnsEnabled {
			t.Fatal("explicit --mdns=false should disable advertisement")
		}
	})

	t.Run("self-signed switches scheme", func(t *testing.T) {
		opts := &BrokerOptions{TLSSelfSigned: true}
		bc := mergeBrokerConfig(config.BrokerConfig{}, opts, map[string]bool{"tls-self-signed": true})
		if !bc.TLSSelfSigned || !strings.HasPrefix(bc.PublicURL, "wss://") {
			t.Fatalf("unexpected merge %+v", bc)
		}
	})

	t.Run("tls switches scheme", func(t *testing.T) {
		opts := &BrokerOptions{TLSCert: "c.pem", TLSKey: "k.pem"}
		bc := mergeBrokerConfig(config.BrokerConfig{}, opts, map[string]bool{})
		if !strings.HasPrefix(bc.PublicURL, "wss://") {
			t.Fatalf("expected wss public url, got %q", bc.PublicURL)
		}
	})
}

func TestOpenDirectoryDefaultsToMemory(t *testing.T) {
	dir, err := openDirectory(context.Background(), config.BrokerConfig{})
	if err != nil {
		t.Fatalf("openDirectory: %v", err)
	}
	defer dir.Close()
	if _, ok := dir.(*directory.Memory); !ok {
		t.Fatalf("expected in-memory directory, got %T", dir)
	}
}

func TestOpenDirectoryRedisUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := openDirectory(context.Background(), config.BrokerConfig{RedisAddr: addr}); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestListenPort(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:7171", 7171},
		{"[::1]:80", 80},
		{"no-port", 0},
		{"host:abc", 0},
	}
	for _, tt := range tests {
		if got := listenPort(tt.addr); got != tt.want {
			t.Errorf("listenPort(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}
