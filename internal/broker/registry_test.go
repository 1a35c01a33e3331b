package broker

import (
	"sync"
	"testing"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

type fakePeer struct {
	id   string
	name string

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id, name: id} }

func (p *fakePeer) participantID() string { return p.id }
func (p *fakePeer) displayName() string   { return p.name }

func (p *fakePeer) deliver(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.received = append(p.received, data)
	return true
}

func (p *fakePeer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func TestRegistryOneHostPerSession(t *testing.T) {
	r := NewRegistry()
	h1, h2 := newFakePeer("host-1"), newFakePeer("host-2")

	if err := r.RegisterHost("ABC-DEF", h1); err != nil {
		t.Fatalf("RegisterHost: %v", err)
	}
	err := r.RegisterHost("ABC-DEF", h2)
	if !apperrors.IsCode(err, apperrors.CodeSessionConflict) {
		t.Fatalf("second host: expected session.conflict, got %v", err)
	}
	if apperrors.GetMessage(err) != "Session already exists" {
		t.Errorf("conflict message = %q", apperrors.GetMessage(err))
	}
	if host, _ := r.Host("ABC-DEF"); host != h1 {
		t.Error("first host must keep the session")
	}
}

func TestRegistryGuestNeedsSession(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterGuest("ABC-DEF", newFakePeer("guest-1"))
	if !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		t.Fatalf("expected session.not_found, got %v", err)
	}
	if apperrors.GetMessage(err) != "Session not found" {
		t.Errorf("not-found message = %q", apperrors.GetMessage(err))
	}
}

func TestRegistryStarTargets(t *testing.T) {
	r := NewRegistry()
	host := newFakePeer("host-1")
	g1, g2 := newFakePeer("guest-1"), newFakePeer("guest-2")
	r.RegisterHost("ABC-DEF", host)
	r.RegisterGuest("ABC-DEF", g1)
	r.RegisterGuest("ABC-DEF", g2)

	fromHost := r.Targets("ABC-DEF", host)
	if len(fromHost) != 2 {
		t.Errorf("host should reach both guests, got %d targets", len(fromHost))
	}
	fromGuest := r.Targets("ABC-DEF", g1)
	if len(fromGuest) != 1 || fromGuest[0] != host {
		t.Errorf("guest should reach only the host, got %v", fromGuest)
	}

	stranger := newFakePeer("guest-9")
	if got := r.Targets("ABC-DEF", stranger); len(got) != 0 {
		t.Errorf("unregistered peer must not route, got %d targets", len(got))
	}
	if got := r.Targets("ZZZ-ZZZ", host); got != nil {
		t.Errorf("unknown session must not route, got %v", got)
	}
}

func TestRegistryGuestReplacement(t *testing.T) {
	r := NewRegistry()
	r.RegisterHost("ABC-DEF", newFakePeer("host-1"))

	old := newFakePeer("guest-1")
	r.RegisterGuest("ABC-DEF", old)

	fresh := newFakePeer("guest-1")
	replaced, err := r.RegisterGuest("ABC-DEF", fresh)
	if err != nil || replaced != old {
		t.Fatalf("RegisterGuest = %v, %v; want the old connection back", replaced, err)
	}
	if r.RemoveGuest("ABC-DEF", old) {
		t.Error("removing a replaced connection must not remove the new one")
	}
	if g, ok := r.Guest("ABC-DEF", "guest-1"); !ok || g != fresh {
		t.Error("fresh connection should stay registered")
	}
	if !r.RemoveGuest("ABC-DEF", fresh) {
		t.Error("RemoveGuest of current connection should succeed")
	}
}

func TestRegistryRemoveHostDeletesSession(t *testing.T) {
	r := NewRegistry()
	host := newFakePeer("host-1")
	r.RegisterHost("ABC-DEF", host)
	r.RegisterGuest("ABC-DEF", newFakePeer("guest-1"))
	r.RegisterGuest("ABC-DEF", newFakePeer("guest-2"))
	r.MarkStopped("ABC-DEF", newFakePeer("host-1")) // not the host

	if _, _, ok := r.RemoveHost("ABC-DEF", newFakePeer("host-1")); ok {
		t.Fatal("only the registered host connection may remove the session")
	}

	r.MarkStopped("ABC-DEF", host)
	guests, stopped, ok := r.RemoveHost("ABC-DEF", host)
	if !ok || !stopped || len(guests) != 2 {
		t.Fatalf("RemoveHost = %d guests, stopped=%v, ok=%v", len(guests), stopped, ok)
	}
	if _, found := r.Lookup("ABC-DEF"); found {
		t.Error("session should be gone")
	}
	if sessions, guestCount := r.Counts(); sessions != 0 || guestCount != 0 {
		t.Errorf("Counts = %d, %d", sessions, guestCount)
	}

	// The id is free again.
	if err := r.RegisterHost("ABC-DEF", newFakePeer("host-2")); err != nil {
		t.Errorf("re-register after teardown: %v", err)
	}
}

func TestRegistrySessionsSnapshot(t *testing.T) {
	r := NewRegistry()
	host := &fakePeer{id: "host-1", name: "Hana"}
	r.RegisterHost("ABC-DEF", host)
	r.RegisterGuest("ABC-DEF", newFakePeer("guest-b"))
	r.RegisterGuest("ABC-DEF", newFakePeer("guest-a"))
	r.RegisterHost("GHJ-KLM", newFakePeer("host-2"))

	info, ok := r.Lookup("ABC-DEF")
	if !ok {
		t.Fatal("Lookup failed")
	}
	if info.HostID != "host-1" || info.HostName != "Hana" {
		t.Errorf("host = %s/%s", info.HostID, info.HostName)
	}
	if len(info.GuestIDs) != 2 || info.GuestIDs[0] != "guest-a" {
		t.Errorf("GuestIDs = %v, want sorted", info.GuestIDs)
	}
	if all := r.Sessions(); len(all) != 2 {
		t.Errorf("Sessions() len = %d", len(all))
	}
	if _, guests := r.Counts(); guests != 2 {
		t.Errorf("guest count = %d", guests)
	}
}
