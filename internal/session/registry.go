// Package session tracks the buffer sessions a host is serving.
package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/bufsched/internal/memsource"
)

// Session is one connected client and the source backing its buffers.
type Session struct {
	Remote    string
	Source    *memsource.Source
	StartedAt time.Time
}

// Registry holds the active sessions keyed by remote address.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Add registers a session. It returns false if remote already has one.
func (r *Registry) Add(remote string, src *memsource.Source) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[remote]; ok {
		r.log.Warn("session already active, rejecting duplicate", "remote", remote)
		return nil, false
	}
	s := &Session{Remote: remote, Source: src, StartedAt: time.Now()}
	r.sessions[remote] = s
	r.log.Info("session opened", "remote", remote, "active", len(r.sessions))
	return s, true
}

// Remove drops the session for remote, if any.
func (r *Registry) Remove(remote string) {
	r.mu.Lock()
	s, ok := r.sessions[remote]
	delete(r.sessions, remote)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.log.Info("session closed", "remote", remote, "age", time.Since(s.StartedAt).Round(time.Millisecond), "active", n)
	}
}

// List returns the active sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Buffers returns the number of live buffers across every session.
func (r *Registry) Buffers() int {
	n := 0
	for _, s := range r.List() {
		if s.Source != nil {
			n += s.Source.Buffers()
		}
	}
	return n
}

// Register exposes session and buffer gauges on registerer.
func (r *Registry) Register(registerer prometheus.Registerer, namespace string) error {
	sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "sessions",
		Help:      "Number of connected buffer sessions",
	}, func() float64 { return float64(r.Len()) })
	buffers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "buffers",
		Help:      "Number of live buffers across all sessions",
	}, func() float64 { return float64(r.Buffers()) })

	if err := registerer.Register(sessions); err != nil {
		return err
	}
	return registerer.Register(buffers)
}
