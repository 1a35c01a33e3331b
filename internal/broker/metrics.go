package broker

import (
	"log"
	"sync"
	"time"

	"github.com/pseudocoder/livesync/internal/storage"
)

// routeCounters aggregates routed envelopes by type between flushes so
// the hot path never touches the database.
type routeCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newRouteCounters() *routeCounters {
	return &routeCounters{counts: make(map[string]int64)}
}

func (r *routeCounters) add(typ string) {
	r.mu.Lock()
	r.counts[typ]++
	r.mu.Unlock()
}

// drain returns the counts since the last drain and resets them.
func (r *routeCounters) drain() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return nil
	}
	out := r.counts
	r.counts = make(map[string]int64)
	return out
}

func (s *Server) recordEvent(kind storage.EventKind, sessionID, detail string) {
	if s.cfg.Metrics == nil {
		return
	}
	if err := s.cfg.Metrics.RecordEvent(kind, sessionID, detail); err != nil {
		log.Printf("metrics: record %s: %v", kind, err)
	}
}

// FlushMetrics writes the routed-message counts accumulated so far.
func (s *Server) FlushMetrics() {
	counts := s.routed.drain()
	if s.cfg.Metrics == nil || counts == nil {
		return
	}
	if err := s.cfg.Metrics.RecordRouted(counts); err != nil {
		log.Printf("metrics: record routed counts: %v", err)
	}
}

func (s *Server) startFlushLoop() {
	if s.cfg.Metrics == nil {
		return
	}
	s.flushStop = make(chan struct{})
	s.flushDone = make(chan struct{})

	go func() {
		defer close(s.flushDone)
		ticker := time.NewTicker(s.cfg.MetricsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.flushStop:
				s.FlushMetrics()
				return
			case <-ticker.C:
				s.FlushMetrics()
			}
		}
	}()
}

func (s *Server) stopFlushLoop() {
	if s.flushStop == nil {
		return
	}
	close(s.flushStop)
	<-s.flushDone
	s.flushStop = nil
}
