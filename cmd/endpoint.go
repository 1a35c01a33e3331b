package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pseudocoder/livesync/internal/certs"
	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/session"
	"github.com/pseudocoder/livesync/internal/transport"
)

// EndpointOptions holds the options shared by `livesync host` and
// `livesync join`.
type EndpointOptions struct {
	Config         string
	BrokerURL      string
	Fingerprint    string
	UserName       string
	AllowGuestEdit bool
	PollMs         int
	LogFile        string
}

func (o *EndpointOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.Config, "config", "", "Path to config file (default: ~/.livesync/config.toml)")
	fs.StringVar(&o.BrokerURL, "broker", "", "Broker URL (default: ws://127.0.0.1:7171)")
	fs.StringVar(&o.Fingerprint, "fingerprint", "", "SHA-256 fingerprint of a self-signed broker certificate to pin")
	fs.StringVar(&o.UserName, "name", "", "Display name shown to other participants (default: $USER)")
	fs.IntVar(&o.PollMs, "poll-ms", 0, "Interval for on-disk change polling in ms (default: 250)")
	fs.StringVar(&o.LogFile, "log-file", "", "Write logs to this file instead of stderr")
}

// resolve loads the [endpoint] table and applies CLI flags over it.
func (o *EndpointOptions) resolve(explicitFlags map[string]bool) (config.EndpointConfig, error) {
	fileCfg, err := config.Load(o.Config)
	if err != nil {
		return config.EndpointConfig{}, err
	}
	ec := fileCfg.Endpoint
	if o.BrokerURL != "" {
		ec.BrokerURL = o.BrokerURL
	}
	if o.Fingerprint != "" {
		ec.BrokerFingerprint = o.Fingerprint
	}
	if o.UserName != "" {
		ec.UserName = o.UserName
	}
	if o.PollMs > 0 {
		ec.PollIntervalMs = o.PollMs
	}
	if explicitFlags["allow-edit"] {
		allow := o.AllowGuestEdit
		ec.AllowGuestEdit = &allow
	}
	return ec.WithDefaults(), nil
}

// endpointConfig builds the session configuration for a workspace.
func endpointConfig(ec config.EndpointConfig, ws *editor.Workspace, out io.Writer) session.Config {
	return session.Config{
		UserName: ec.UserName,
		Dialer:   brokerDialer(ec),
		Editor:   ws,
		Notifier: &consoleNotifier{out: out, ws: ws},
		Policy: protocol.Policy{
			AllowGuestEdit: *ec.AllowGuestEdit,
		},
		WorkspaceName:  ws.Name(),
		WorkspacePath:  ws.Root(),
		BatchWindow:    config.Millis(ec.BatchWindowMs),
		CursorDebounce: config.Millis(ec.CursorDebounceMs),
		ApplyTimeout:   config.Millis(ec.ApplyTimeoutMs),
		DedupeCapacity: ec.DedupeCapacity,
		ReloadInitial:  config.Millis(ec.ReloadInitialMs),
		ReloadMax:      config.Millis(ec.ReloadMaxMs),
	}
}

// brokerDialer pins the broker certificate when a fingerprint is configured.
func brokerDialer(ec config.EndpointConfig) transport.Dialer {
	d := transport.Dialer{BaseURL: ec.BrokerURL}
	if ec.BrokerFingerprint != "" {
		d.TLSConfig = certs.PinnedClientConfig(ec.BrokerFingerprint)
	}
	return d
}

// consoleNotifier prints user notifications and keeps the workspace's
// record of them.
type consoleNotifier struct {
	mu  sync.Mutex
	out io.Writer
	ws  *editor.Workspace
}

func (n *consoleNotifier) Notify(level editor.Level, message string) {
	n.ws.Notify(level, message)
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "[%s] %s\n", level, message)
}

// redirectLog sends the standard logger to path. The returned func
// restores stderr and closes the file.
func redirectLog(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// connectTimeout bounds the initial start or join.
const connectTimeout = 15 * time.Second

// Signal hooks, replaced in tests.
var (
	notifySignals = func(c chan<- os.Signal) {
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	}
	stopSignals = func(c chan<- os.Signal) {
		signal.Stop(c)
	}
)

// sessionWatch observes an endpoint from the CLI: lifecycle transitions
// and recovery reloads arrive on channels.
type sessionWatch struct {
	states  chan session.State
	reloads chan error
}

// watchSession hooks a watch into cfg. The workspace still reloads first.
func watchSession(cfg *session.Config, ws *editor.Workspace) *sessionWatch {
	w := &sessionWatch{
		states:  make(chan session.State, 16),
		reloads: make(chan error, 1),
	}
	cfg.OnStateChange = func(s session.State) {
		select {
		case w.states <- s:
		default:
		}
	}
	cfg.Reload = func(cause error) {
		ws.Reload()
		select {
		case w.reloads <- cause:
		default:
		}
	}
	return w
}

// supervise blocks until a signal arrives or the session ends for good.
// A dropped connection is retried through rejoin after the reload backoff;
// rejoin nil means the session cannot be resumed.
func supervise(ep *session.Endpoint, w *sessionWatch, rejoin func(ctx context.Context) error, stdout, stderr io.Writer) int {
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer stopSignals(sigCh)

	for {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
			if err := ep.Stop(); err != nil {
				fmt.Fprintf(stderr, "Warning: %v\n", err)
			}
			return 0

		case s := <-w.states:
			if s != session.Idle {
				continue
			}
			cause := ep.LastCause()
			if cause == nil {
				continue
			}
			if rejoin == nil || !apperrors.IsCode(cause, apperrors.CodeTransportClosed) {
				fmt.Fprintf(stderr, "Session ended: %s\n", apperrors.GetMessage(cause))
				return 1
			}
			fmt.Fprintln(stdout, "Connection to the broker lost, retrying...")

		case <-w.reloads:
			if rejoin == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			err := rejoin(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(stderr, "Error: rejoin failed: %s\n", apperrors.GetMessage(err))
				return 1
			}
			fmt.Fprintf(stdout, "Rejoined session %s\n", ep.SessionID())
		}
	}
}

// describeConnectError renders a start or join failure for the terminal.
func describeConnectError(err error) string {
	switch apperrors.GetCode(err) {
	case apperrors.CodeTransportDialFailed, apperrors.CodeSessionHandshakeFailed:
		return err.Error()
	}
	return apperrors.GetMessage(err)
}
