package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pseudocoder/livesync/internal/broker"
	"github.com/pseudocoder/livesync/internal/certs"
	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/directory"
	"github.com/pseudocoder/livesync/internal/mdns"
	"github.com/pseudocoder/livesync/internal/storage"
)

// metricsPruneInterval is how often old metrics rows are deleted.
const metricsPruneInterval = time.Hour

// BrokerOptions holds the command-line options of `livesync broker`.
type BrokerOptions struct {
	Config            string
	Addr              string
	PublicURL         string
	TLSCert           string
	TLSKey            string
	TLSSelfSigned     bool
	MetricsDB         string
	MetricsRetentionH int
	RedisAddr         string
	MdnsEnabled       bool
	LogFile           string
}

func runBroker(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &BrokerOptions{}
	fs.StringVar(&opts.Config, "config", "", "Path to config file (default: ~/.livesync/config.toml)")
	fs.StringVar(&opts.Addr, "addr", "", "Listen address (default: 127.0.0.1:7171)")
	fs.StringVar(&opts.PublicURL, "public-url", "", "URL endpoints use to reach this broker (default: derived from --addr)")
	fs.StringVar(&opts.TLSCert, "tls-cert", "", "Path to TLS certificate file (enables wss://)")
	fs.StringVar(&opts.TLSKey, "tls-key", "", "Path to TLS key file")
	fs.BoolVar(&opts.TLSSelfSigned, "tls-self-signed", false, "Serve wss:// with a generated certificate under ~/.livesync/certs")
	fs.StringVar(&opts.MetricsDB, "metrics-db", "", "SQLite file for operational counters (default: disabled)")
	fs.IntVar(&opts.MetricsRetentionH, "metrics-retention-hours", 24*7, "Hours of metrics history to keep")
	fs.StringVar(&opts.RedisAddr, "redis", "", "Redis address for a session directory shared by several brokers")
	fs.BoolVar(&opts.MdnsEnabled, "mdns", false, "Advertise the broker on the local network")
	fs.StringVar(&opts.LogFile, "log-file", "", "Write logs to this file instead of stderr")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: livesync broker [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected argument %q\n", fs.Arg(0))
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	fileCfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	bc := mergeBrokerConfig(fileCfg.Broker, opts, explicitFlags)

	if (bc.TLSCert == "") != (bc.TLSKey == "") {
		fmt.Fprintln(stderr, "Error: --tls-cert and --tls-key must be set together")
		return 1
	}

	var fingerprint string
	if bc.TLSSelfSigned && bc.TLSCert == "" {
		pair, err := ensureSelfSigned(bc.Addr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if pair.Generated {
			fmt.Fprintf(stdout, "Generated TLS certificate: %s\n", pair.CertPath)
		}
		bc.TLSCert, bc.TLSKey = pair.CertPath, pair.KeyPath
		fingerprint = pair.Fingerprint
	}

	if opts.LogFile != "" {
		restore, err := redirectLog(opts.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer restore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := openDirectory(ctx, bc)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer dir.Close()

	srvCfg := broker.Config{
		Addr:              bc.Addr,
		PublicURL:         bc.PublicURL,
		Directory:         dir,
		MessagesPerSecond: bc.MessagesPerSecond,
		MessageBurst:      bc.MessageBurst,
		MaxMessageBytes:   bc.MaxMessageBytes,
	}

	var store *storage.SQLiteMetricsStore
	if bc.MetricsDB != "" {
		store, err = storage.NewSQLiteMetricsStore(bc.MetricsDB)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer store.Close()
		srvCfg.Metrics = store
	}

	srv := broker.NewServer(srvCfg)
	var errCh <-chan error
	if bc.TLSCert != "" {
		errCh = srv.StartAsyncTLS(broker.TLSConfig{CertPath: bc.TLSCert, KeyPath: bc.TLSKey})
	} else {
		errCh = srv.StartAsync()
	}
	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Broker listening on %s\n", srv.Addr())
	fmt.Fprintf(stdout, "Public URL: %s\n", bc.PublicURL)
	if fingerprint != "" {
		fmt.Fprintf(stdout, "Certificate fingerprint: %s\n", fingerprint)
		fmt.Fprintln(stdout, "Endpoints must pass --fingerprint to trust it.")
	}
	if bc.RedisAddr != "" {
		fmt.Fprintf(stdout, "Session directory: redis://%s\n", bc.RedisAddr)
	}

	g, gctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer stopSignals(sigCh)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if bc.MdnsEnabled {
		adv := mdns.NewAdvertiser(mdns.Config{
			Port: listenPort(srv.Addr()),
			URL:  bc.PublicURL,
		})
		if err := adv.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "Advertising on the local network (mDNS)")
			g.Go(func() error {
				<-gctx.Done()
				adv.Stop()
				return nil
			})
		}
	}

	if store != nil {
		retention := time.Duration(opts.MetricsRetentionH) * time.Hour
		g.Go(func() error {
			pruneMetrics(gctx, store, retention)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// mergeBrokerConfig applies CLI flags over the [broker] table. Booleans
// override the file only when set explicitly.
func mergeBrokerConfig(bc config.BrokerConfig, opts *BrokerOptions, explicitFlags map[string]bool) config.BrokerConfig {
	if opts.Addr != "" {
		bc.Addr = opts.Addr
	}
	if opts.PublicURL != "" {
		bc.PublicURL = opts.PublicURL
	}
	if opts.TLSCert != "" {
		bc.TLSCert = opts.TLSCert
	}
	if opts.TLSKey != "" {
		bc.TLSKey = opts.TLSKey
	}
	if opts.MetricsDB != "" {
		bc.MetricsDB = opts.MetricsDB
	}
	if opts.RedisAddr != "" {
		bc.RedisAddr = opts.RedisAddr
	}
	if explicitFlags["tls-self-signed"] {
		bc.TLSSelfSigned = opts.TLSSelfSigned
	}
	if explicitFlags["mdns"] {
		bc.MdnsEnabled = opts.MdnsEnabled
	}
	return bc.WithDefaults()
}

// ensureSelfSigned loads or generates the broker certificate in the
// default location, valid for the listen host and loopback.
func ensureSelfSigned(addr string) (*certs.Pair, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		hosts = append(hosts, host)
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, name)
	}
	return certs.Ensure(certs.Options{Hosts: hosts})
}

// openDirectory returns the Redis directory when configured, otherwise an
// in-memory one.
func openDirectory(ctx context.Context, bc config.BrokerConfig) (directory.Directory, error) {
	if bc.RedisAddr == "" {
		return directory.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	dir, err := directory.NewRedis(ctx, bc.RedisAddr, time.Duration(bc.RedisTTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// pruneMetrics deletes metrics rows older than retention until ctx is done.
func pruneMetrics(ctx context.Context, store *storage.SQLiteMetricsStore, retention time.Duration) {
	ticker := time.NewTicker(metricsPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(retention)
			if err != nil {
				log.Printf("metrics: cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("metrics: pruned %d rows", n)
			}
		}
	}
}

// listenPort extracts the port of a host:port address, or 0.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
