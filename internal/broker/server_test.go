package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pseudocoder/livesync/internal/directory"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/storage"
)

const testSession = "ABC-DEF"

func newTestBroker(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.KickGrace == 0 {
		cfg.KickGrace = 50 * time.Millisecond
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

func wsURL(httpURL, sessionID string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/session/" + sessionID
}

func dial(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, sessionID), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expectNothing(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected envelope: %s", data)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
		t.Fatalf("unexpected envelope before close: %s", data)
	}
}

// joinHost connects a host and returns the connection and its id.
func joinHost(t *testing.T, ts *httptest.Server, name string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, ts, testSession)
	send(t, conn, protocol.NewRoleIdentification(protocol.RoleHost, name, ""))
	created, ok := readEnvelope(t, conn).(*protocol.SessionCreated)
	if !ok {
		t.Fatal("expected session-created")
	}
	if created.SessionID != testSession {
		t.Errorf("session-created id = %q", created.SessionID)
	}
	return conn, created.ParticipantID
}

func joinGuest(t *testing.T, ts *httptest.Server, name, id string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, ts, testSession)
	send(t, conn, protocol.NewRoleIdentification(protocol.RoleGuest, name, id))
	joined, ok := readEnvelope(t, conn).(*protocol.SessionJoined)
	if !ok {
		t.Fatal("expected session-joined")
	}
	return conn, joined.ParticipantID
}

func expectError(t *testing.T, conn *websocket.Conn, code, message string) {
	t.Helper()
	msg, ok := readEnvelope(t, conn).(*protocol.Error)
	if !ok {
		t.Fatalf("expected error envelope, got %T", msg)
	}
	if msg.Code != code {
		t.Errorf("error code = %q, want %q", msg.Code, code)
	}
	if message != "" && msg.Message != message {
		t.Errorf("error message = %q, want %q", msg.Message, message)
	}
	expectClosed(t, conn)
}

func TestSessionPathValidation(t *testing.T) {
	_, ts := newTestBroker(t, Config{})

	for _, path := range []string{"/session/", "/session/not-a-code!", "/session/ABCD"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestHostCreatesSession(t *testing.T) {
	s, ts := newTestBroker(t, Config{})

	_, hostID := joinHost(t, ts, "Hana")
	if role, ok := protocol.ParticipantRole(hostID); !ok || role != protocol.RoleHost {
		t.Errorf("host id %q should carry the host prefix", hostID)
	}

	info, ok := s.Registry().Lookup(testSession)
	if !ok || info.HostID != hostID || info.HostName != "Hana" {
		t.Fatalf("registry = %+v, %v", info, ok)
	}
}

func TestSecondHostIsRejected(t *testing.T) {
	s, ts := newTestBroker(t, Config{})
	_, hostID := joinHost(t, ts, "first")

	second := dial(t, ts, testSession)
	send(t, second, protocol.NewRoleIdentification(protocol.RoleHost, "second", ""))
	expectError(t, second, apperrors.CodeSessionConflict, "Session already exists")

	if info, _ := s.Registry().Lookup(testSession); info.HostID != hostID {
		t.Error("rejected host must not displace the first")
	}
}

func TestGuestForUnknownSession(t *testing.T) {
	_, ts := newTestBroker(t, Config{})

	conn := dial(t, ts, testSession)
	send(t, conn, protocol.NewRoleIdentification(protocol.RoleGuest, "g", ""))
	expectError(t, conn, apperrors.CodeSessionNotFound, "Session not found")
}

func TestFirstMessageMustIdentify(t *testing.T) {
	_, ts := newTestBroker(t, Config{})

	conn := dial(t, ts, testSession)
	send(t, conn, protocol.NewHelloGuest("guest-1", "g"))
	expectError(t, conn, apperrors.CodeProtocolUnexpected, "")

	conn = dial(t, ts, testSession)
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	expectError(t, conn, apperrors.CodeProtocolMalformed, "")

	conn = dial(t, ts, testSession)
	send(t, conn, map[string]string{"type": "role-identification", "role": "admin"})
	expectError(t, conn, apperrors.CodeProtocolMalformed, "")
}

func TestParticipantIDAdoption(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	joinHost(t, ts, "h")

	_, id := joinGuest(t, ts, "a", "guest-stable")
	if id != "guest-stable" {
		t.Errorf("well-formed id should be kept, got %q", id)
	}

	_, id = joinGuest(t, ts, "b", "host-impostor")
	if role, ok := protocol.ParticipantRole(id); !ok || role != protocol.RoleGuest || id == "host-impostor" {
		t.Errorf("mismatched prefix should be replaced, got %q", id)
	}
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	t.Helper()
	b := &lockedBuffer{}
	prev := log.Writer()
	log.SetOutput(b)
	t.Cleanup(func() { log.SetOutput(prev) })
	return b
}

func TestGuestReconnectReplacesPreviousConnection(t *testing.T) {
	logs := captureLog(t)
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")

	old, id := joinGuest(t, ts, "a", "guest-stable")
	readEnvelope(t, host)

	_, again := joinGuest(t, ts, "a", "guest-stable")
	if again != id {
		t.Fatalf("reconnect id = %q, want %q", again, id)
	}
	expectClosed(t, old)

	if pj, ok := readEnvelope(t, host).(*protocol.ParticipantJoined); !ok || pj.ParticipantID != id {
		t.Fatalf("host should see participant-joined again, got %+v", pj)
	}
	// The replaced connection closing is not a departure.
	expectNothing(t, host, 100*time.Millisecond)

	if !strings.Contains(logs.String(), "broker: guest-stable reconnected to "+testSession) {
		t.Errorf("takeover not logged:\n%s", logs.String())
	}
}

func TestGuestJoinAnnouncedToOthers(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")

	g1, g1ID := joinGuest(t, ts, "Ann", "")
	pj, ok := readEnvelope(t, host).(*protocol.ParticipantJoined)
	if !ok || pj.ParticipantID != g1ID || pj.UserName != "Ann" {
		t.Fatalf("host should see participant-joined for Ann, got %+v", pj)
	}

	g2, g2ID := joinGuest(t, ts, "Bob", "")
	if pj, ok := readEnvelope(t, host).(*protocol.ParticipantJoined); !ok || pj.ParticipantID != g2ID {
		t.Fatalf("host should see participant-joined for Bob")
	}
	if pj, ok := readEnvelope(t, g1).(*protocol.ParticipantJoined); !ok || pj.ParticipantID != g2ID {
		t.Fatalf("existing guest should see participant-joined for Bob")
	}
	expectNothing(t, g2, 100*time.Millisecond)
}

func TestStarRouting(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")
	g1, g1ID := joinGuest(t, ts, "a", "")
	readEnvelope(t, host) // participant-joined a
	g2, _ := joinGuest(t, ts, "b", "")
	readEnvelope(t, host) // participant-joined b
	readEnvelope(t, g1)   // participant-joined b

	// Host to every guest.
	send(t, host, protocol.NewOpenFile("main.go"))
	for _, g := range []*websocket.Conn{g1, g2} {
		if _, ok := readEnvelope(t, g).(*protocol.OpenFile); !ok {
			t.Fatal("guest should receive host open-file")
		}
	}
	expectNothing(t, host, 50*time.Millisecond)

	// Guest only to the host.
	change := protocol.NewFileChange("main.go", g1ID, "a", 1, []protocol.Change{{Text: "x"}})
	send(t, g1, change)
	got, ok := readEnvelope(t, host).(*protocol.FileChange)
	if !ok || got.MessageID != change.MessageID || got.OriginID != g1ID {
		t.Fatalf("host should receive the guest change verbatim, got %+v", got)
	}
	expectNothing(t, g2, 100*time.Millisecond)
	expectNothing(t, g1, 50*time.Millisecond)
}

func TestHostDisconnectEndsSession(t *testing.T) {
	dir := directory.NewMemory()
	s, ts := newTestBroker(t, Config{Directory: dir, PublicURL: "ws://broker-a"})
	host, _ := joinHost(t, ts, "h")
	g1, _ := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)

	if owner, ok, _ := dir.Lookup(context.Background(), testSession); !ok || owner != "ws://broker-a" {
		t.Fatalf("directory owner = %q, %v", owner, ok)
	}

	host.Close()

	ended, ok := readEnvelope(t, g1).(*protocol.SessionEnded)
	if !ok || ended.SessionID != testSession {
		t.Fatalf("guest should receive session-ended, got %+v", ended)
	}
	expectClosed(t, g1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Registry().Lookup(testSession); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session still registered after host disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok, _ := dir.Lookup(context.Background(), testSession); ok {
		t.Error("directory claim should be released")
	}

	// A guest can no longer join.
	late := dial(t, ts, testSession)
	send(t, late, protocol.NewRoleIdentification(protocol.RoleGuest, "late", ""))
	expectError(t, late, apperrors.CodeSessionNotFound, "")
}

func TestSessionStoppedSuppressesSessionEnded(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")
	g1, _ := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)

	send(t, host, protocol.NewSessionStopped(testSession, true, true))
	if _, ok := readEnvelope(t, g1).(*protocol.SessionStopped); !ok {
		t.Fatal("guest should receive session-stopped")
	}
	host.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	host.Close()

	// Exactly one end notification: the connection closes with no
	// session-ended in between.
	expectClosed(t, g1)
}

func TestGuestDisconnectAnnounced(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")
	g1, g1ID := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)
	g2, _ := joinGuest(t, ts, "b", "")
	readEnvelope(t, host)
	readEnvelope(t, g1)

	g1.Close()

	left, ok := readEnvelope(t, host).(*protocol.ParticipantLeft)
	if !ok || left.ParticipantID != g1ID || left.UserName != "a" {
		t.Fatalf("host should see participant-left for a, got %+v", left)
	}
	if left, ok := readEnvelope(t, g2).(*protocol.ParticipantLeft); !ok || left.ParticipantID != g1ID {
		t.Fatal("remaining guest should see participant-left")
	}

	// Session continues.
	send(t, host, protocol.NewOpenFile("a.txt"))
	if _, ok := readEnvelope(t, g2).(*protocol.OpenFile); !ok {
		t.Fatal("session should survive a guest leaving")
	}
}

func TestKickClosesTargetGuest(t *testing.T) {
	s, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")
	g1, g1ID := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)
	g2, _ := joinGuest(t, ts, "b", "")
	readEnvelope(t, host)
	readEnvelope(t, g1)

	send(t, host, protocol.NewKickGuest(g1ID, "spam"))

	kick, ok := readEnvelope(t, g1).(*protocol.KickGuest)
	if !ok || kick.ParticipantID != g1ID || kick.Reason != "spam" {
		t.Fatalf("target should receive kick-guest, got %+v", kick)
	}
	expectClosed(t, g1)

	if _, ok := readEnvelope(t, g2).(*protocol.KickGuest); !ok {
		t.Fatal("other guests see the kick")
	}
	if left, ok := readEnvelope(t, g2).(*protocol.ParticipantLeft); !ok || left.ParticipantID != g1ID {
		t.Fatal("other guests should see participant-left for the kicked guest")
	}
	if left, ok := readEnvelope(t, host).(*protocol.ParticipantLeft); !ok || left.ParticipantID != g1ID {
		t.Fatal("host should see participant-left for the kicked guest")
	}

	info, _ := s.Registry().Lookup(testSession)
	if len(info.GuestIDs) != 1 {
		t.Errorf("GuestIDs after kick = %v", info.GuestIDs)
	}
}

func TestGuestKickIsNotEnforced(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	host, _ := joinHost(t, ts, "h")
	g1, g1ID := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)
	g2, _ := joinGuest(t, ts, "b", "")
	readEnvelope(t, host)
	readEnvelope(t, g1)

	// A guest cannot remove anyone; the envelope only reaches the host.
	send(t, g2, protocol.NewKickGuest(g1ID, "mine"))
	if _, ok := readEnvelope(t, host).(*protocol.KickGuest); !ok {
		t.Fatal("host should receive the guest's envelope")
	}
	expectNothing(t, g1, 200*time.Millisecond)
}

func TestDirectoryConflictAcrossBrokers(t *testing.T) {
	dir := directory.NewMemory()
	_, tsA := newTestBroker(t, Config{Directory: dir, PublicURL: "ws://broker-a"})
	_, tsB := newTestBroker(t, Config{Directory: dir, PublicURL: "ws://broker-b"})

	joinHost(t, tsA, "first")

	conn := dial(t, tsB, testSession)
	send(t, conn, protocol.NewRoleIdentification(protocol.RoleHost, "second", ""))
	expectError(t, conn, apperrors.CodeSessionConflict, "Session already exists")

	resp, err := http.Get(tsB.URL + "/sessions/" + testSession)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var lookup SessionLookup
	if err := json.NewDecoder(resp.Body).Decode(&lookup); err != nil {
		t.Fatal(err)
	}
	if lookup.Owner != "ws://broker-a" || lookup.Local {
		t.Errorf("lookup on broker b = %+v", lookup)
	}
}

func TestSessionLookup(t *testing.T) {
	_, ts := newTestBroker(t, Config{PublicURL: "ws://broker-a"})
	host, _ := joinHost(t, ts, "Hana")
	joinGuest(t, ts, "a", "")
	readEnvelope(t, host)

	resp, err := http.Get(ts.URL + "/sessions/abc-def")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var lookup SessionLookup
	if err := json.NewDecoder(resp.Body).Decode(&lookup); err != nil {
		t.Fatal(err)
	}
	if !lookup.Local || lookup.Guests != 1 || lookup.HostName != "Hana" || lookup.SessionID != testSession {
		t.Errorf("lookup = %+v", lookup)
	}

	resp, err = http.Get(ts.URL + "/sessions/ZZZ-ZZZ")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/sessions/bad")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id = %d, want 400", resp.StatusCode)
	}
}

func TestStatusWithMetrics(t *testing.T) {
	store, err := storage.NewSQLiteMetricsStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteMetricsStore: %v", err)
	}
	defer store.Close()

	_, ts := newTestBroker(t, Config{Metrics: store})
	host, _ := joinHost(t, ts, "h")
	g1, _ := joinGuest(t, ts, "a", "")
	readEnvelope(t, host)

	send(t, host, protocol.NewOpenFile("a.txt"))
	readEnvelope(t, g1)

	rejected := dial(t, ts, "ZZZ-ZZZ")
	send(t, rejected, protocol.NewRoleIdentification(protocol.RoleGuest, "x", ""))
	expectError(t, rejected, apperrors.CodeSessionNotFound, "")

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}

	if status.ActiveSessions != 1 || status.ConnectedGuests != 1 || len(status.Sessions) != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.Metrics == nil {
		t.Fatal("metrics summary missing")
	}
	m := status.Metrics
	if m.SessionsCreated != 1 || m.GuestsJoined != 1 || m.Rejections != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.RoutedByType["open-file"] != 1 {
		t.Errorf("routed = %+v", m.RoutedByType)
	}
}

func TestStatusRejectsNonGet(t *testing.T) {
	_, ts := newTestBroker(t, Config{})
	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d", resp.StatusCode)
	}
}

func TestStartAsyncAndStop(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	if err := <-s.StartAsync(); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Fatalf("Addr() = %q, want the bound port", s.Addr())
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/session/"+testSession, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	expectClosed(t, conn)
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStartAsyncPortInUse(t *testing.T) {
	first := NewServer(Config{Addr: "127.0.0.1:0"})
	if err := <-first.StartAsync(); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	other := NewServer(Config{Addr: first.Addr()})
	if err := <-other.StartAsync(); err == nil {
		other.Stop()
		t.Error("expected listen error on a taken port")
	}
}
