// Package mdns provides optional mDNS/Bonjour advertisement of relay brokers.
//
// When enabled, a broker advertises itself on the local network using
// DNS-SD so that `livesync discover` (and hosts picking a broker) can find
// it without typing an address.
//
// The advertisement includes:
//   - Service type: _livesync._tcp
//   - TXT records with protocol version, broker name and public URL
//
// Discovery only reveals presence; joining still needs a session code.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for livesync brokers.
const ServiceType = "_livesync._tcp"

// ProtocolVersion identifies the wire protocol revision advertised in TXT.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the broker port to advertise (e.g., 7171).
	Port int

	// URL is the public WebSocket base URL (ws:// or wss://).
	URL string

	// Name is a human-readable instance name.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration for one broker.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// instanceName resolves the advertised instance name.
func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "livesync"
	}
	return hostname
}

// txtRecords builds the TXT metadata. DNS TXT strings are limited to 255
// bytes each; URLs longer than that are dropped rather than truncated.
func (a *Advertiser) txtRecords(name string) []string {
	records := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
	if u := "url=" + a.config.URL; a.config.URL != "" && len(u) <= 255 {
		records = append(records, u)
	}
	return records
}

// Start begins advertising the broker via mDNS.
//
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(
		name,        // Instance name (e.g., "build-box")
		ServiceType, // "_livesync._tcp"
		"local.",
		a.config.Port,
		a.txtRecords(name),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. It is safe to call Stop multiple times or
// on an advertiser that was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredBroker is a broker found via mDNS discovery.
type DiscoveredBroker struct {
	// Name is the human-readable instance name.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the broker port.
	Port int

	// URL is the advertised public URL, or a ws:// URL built from
	// Host and Port when the broker did not advertise one.
	URL string

	// Version is the protocol version.
	Version string
}

// applyTXT fills broker fields from TXT records.
func (b *DiscoveredBroker) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "version":
			b.Version = value
		case "name":
			b.Name = value
		case "url":
			b.URL = value
		}
	}
	if b.URL == "" && b.Host != "" {
		host := b.Host
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		b.URL = fmt.Sprintf("ws://%s:%d", host, b.Port)
	}
}

// Discover browses for livesync brokers until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredBroker, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		brokers []DiscoveredBroker
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b := DiscoveredBroker{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				b.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				b.Host = entry.AddrIPv6[0].String()
			}
			b.applyTXT(entry.Text)

			mu.Lock()
			brokers = append(brokers, b)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()

	// zeroconf closes entries once ctx is done.
	wg.Wait()

	return brokers, nil
}
