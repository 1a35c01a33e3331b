package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pseudocoder/livesync/internal/broker"
	"github.com/pseudocoder/livesync/internal/certs"
	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/protocol"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.livesync/config.toml)")
	brokerURL := fs.String("broker", "", "Broker URL (default: ws://127.0.0.1:7171)")
	sessionCode := fs.String("session", "", "Look up a single session instead")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fingerprint := fs.String("fingerprint", "", "SHA-256 fingerprint of a self-signed broker certificate to pin")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification entirely")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: livesync status [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ec := fileCfg.Endpoint
	if *brokerURL != "" {
		ec.BrokerURL = *brokerURL
	}
	if *fingerprint != "" {
		ec.BrokerFingerprint = *fingerprint
	}
	ec = ec.WithDefaults()

	base, err := httpBaseURL(ec.BrokerURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	client := statusClient(ec.BrokerFingerprint, *insecure)

	if *sessionCode != "" {
		sessionID, err := protocol.ParseSessionID(*sessionCode)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		var lookup broker.SessionLookup
		if err := getJSON(client, base+"/sessions/"+url.PathEscape(sessionID), &lookup); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return writeJSON(stdout, stderr, lookup)
		}
		printSessionLookup(stdout, lookup)
		return 0
	}

	var status broker.StatusResponse
	if err := getJSON(client, base+"/status", &status); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOutput {
		return writeJSON(stdout, stderr, status)
	}
	printStatus(stdout, status)
	return 0
}

// httpBaseURL maps a broker ws:// or wss:// URL to its HTTP root.
func httpBaseURL(brokerURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(brokerURL))
	if err != nil {
		return "", fmt.Errorf("invalid broker url %q: %w", brokerURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("broker url %q: unsupported scheme %q", brokerURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broker url %q has no host", brokerURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// statusClient pins fingerprint when set; insecure skips verification.
func statusClient(fingerprint string, insecure bool) *http.Client {
	client := &http.Client{Timeout: 10 * time.Second}
	switch {
	case fingerprint != "":
		client.Transport = &http.Transport{TLSClientConfig: certs.PinnedClientConfig(fingerprint)}
	case insecure:
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

func getJSON(client *http.Client, target string, v any) error {
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printStatus(w io.Writer, s broker.StatusResponse) {
	fmt.Fprintf(w, "Broker:    %s\n", s.PublicURL)
	fmt.Fprintf(w, "Listening: %s (tls=%v)\n", s.ListeningAddress, s.TLSEnabled)
	fmt.Fprintf(w, "Uptime:    %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "Sessions:  %d active, %d guests connected\n", s.ActiveSessions, s.ConnectedGuests)

	for _, sess := range s.Sessions {
		fmt.Fprintf(w, "  %s  host=%s  guests=%d\n", sess.ID, sess.HostName, len(sess.GuestIDs))
	}

	if m := s.Metrics; m != nil {
		fmt.Fprintf(w, "\nMetrics (24h):\n")
		fmt.Fprintf(w, "  Sessions created: %d, ended: %d\n", m.SessionsCreated, m.SessionsEnded)
		fmt.Fprintf(w, "  Guests joined: %d, left: %d, kicked: %d\n", m.GuestsJoined, m.GuestsLeft, m.GuestsKicked)
		fmt.Fprintf(w, "  Rejections: %d\n", m.Rejections)
		fmt.Fprintf(w, "  Messages routed: %d\n", m.MessagesRouted)

		types := make([]string, 0, len(m.RoutedByType))
		for t := range m.RoutedByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "    %-24s %d\n", t, m.RoutedByType[t])
		}
	}
}

func printSessionLookup(w io.Writer, l broker.SessionLookup) {
	fmt.Fprintf(w, "Session %s\n", l.SessionID)
	fmt.Fprintf(w, "  Owner: %s\n", l.Owner)
	if l.Local {
		fmt.Fprintf(w, "  Host:   %s\n", l.HostName)
		fmt.Fprintf(w, "  Guests: %d\n", l.Guests)
	} else {
		fmt.Fprintln(w, "  Hosted on another broker")
	}
}
