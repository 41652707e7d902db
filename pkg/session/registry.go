// Package session tracks live protocol sessions bound to transport handles.
//
// A Registry maps an opaque session ID to the handle serving it and the last
// time the session was touched. Entries slide forward on every Get and are
// evicted by Cleanup once idle for longer than the configured max age.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultMaxAge is the idle time after which Cleanup evicts a session.
const DefaultMaxAge = time.Hour

// DefaultCloseTimeout bounds a single handle close during CloseAll.
const DefaultCloseTimeout = 5 * time.Second

// Transport is an opaque handle for a live communication channel.
// Handles implementing ContextCloser or io.Closer are released by CloseAll.
type Transport any

// ContextCloser is a transport whose release honours a deadline.
type ContextCloser interface {
	Close(ctx context.Context) error
}

type entry struct {
	transport Transport
	lastSeen  time.Time
}

// Registry holds sessions in memory. It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*entry
	now          func() time.Time
	closeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCloseTimeout sets the per-handle deadline used by CloseAll.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Registry) { r.closeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:     make(map[string]*entry),
		now:          time.Now,
		closeTimeout: DefaultCloseTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "session")
	return r
}

// Add registers a session. An existing entry with the same ID is replaced
// without closing its handle.
func (r *Registry) Add(id string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &entry{transport: t, lastSeen: r.now()}
}

// Get returns the handle for id and refreshes its last activity.
func (r *Registry) Get(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.transport, true
}

// LastActivity reports when id was last added or fetched.
func (r *Registry) LastActivity(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns a sorted snapshot of the registered session IDs.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Evict removes id and releases its handle the way CloseAll does, bounded by
// the close timeout. It reports whether id was registered; handles without
// a close operation are simply dropped.
func (r *Registry) Evict(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if _, err := r.closeOne(ctx, e.transport); err != nil {
		r.logger.Warn("session close failed", "session_id", id, "error", err)
		return true, err
	}
	return true, nil
}

// Remove forgets id. The handle is not closed.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Cleanup evicts every session idle for longer than maxAge and returns how
// many were removed. A zero maxAge evicts everything.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	now := r.now()
	removed := 0
	for id, e := range r.sessions {
		idle := now.Sub(e.lastSeen)
		if idle > maxAge || maxAge <= 0 {
			delete(r.sessions, id)
			removed++
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info("expired sessions removed", "removed", removed, "remaining", remaining, "max_age", maxAge)
	}
	return removed
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("session janitor started", "interval", interval, "max_age", maxAge)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session janitor stopped")
			return
		case <-ticker.C:
			r.Cleanup(maxAge)
		}
	}
}

// CloseReport summarizes a CloseAll drain.
type CloseReport struct {
	Closed  int
	Failed  int
	Skipped int
	Errors  map[string]error
}

// CloseAll releases every registered handle concurrently and then removes
// those sessions, whatever the individual outcomes. Sessions added while the
// drain runs are kept.
func (r *Registry) CloseAll(ctx context.Context) CloseReport {
	r.mu.Lock()
	drained := make(map[string]*entry, len(r.sessions))
	snapshot := make(map[string]Transport, len(r.sessions))
	for id, e := range r.sessions {
		drained[id] = e
		snapshot[id] = e.transport
	}
	r.mu.Unlock()

	type outcome struct {
		id      string
		skipped bool
		err     error
	}
	results := make(chan outcome, len(snapshot))
	var wg sync.WaitGroup
	for id, t := range snapshot {
		wg.Add(1)
		go func(id string, t Transport) {
			defer wg.Done()
			skipped, err := r.closeOne(ctx, t)
			results <- outcome{id: id, skipped: skipped, err: err}
		}(id, t)
	}
	wg.Wait()
	close(results)

	report := CloseReport{Errors: make(map[string]error)}
	for o := range results {
		switch {
		case o.err != nil:
			report.Failed++
			report.Errors[o.id] = o.err
			r.logger.Warn("session close failed", "session_id", o.id, "error", o.err)
		case o.skipped:
			report.Skipped++
		default:
			report.Closed++
		}
	}

	r.mu.Lock()
	for id, e := range drained {
		// A re-Add during the drain holds a new entry and a live handle.
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	r.logger.Info("sessions drained", "closed", report.Closed, "failed", report.Failed, "skipped", report.Skipped)
	return report
}

func (r *Registry) closeOne(ctx context.Context, t Transport) (skipped bool, err error) {
	var release func(context.Context) error
	switch c := t.(type) {
	case ContextCloser:
		release = c.Close
	case io.Closer:
		release = func(context.Context) error { return c.Close() }
	default:
		return true, nil
	}

	cctx, cancel := context.WithTimeout(ctx, r.closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("close panicked: %v", p)
			}
		}()
		done <- release(cctx)
	}()

	select {
	case err := <-done:
		return false, err
	case <-cctx.Done():
		return false, fmt.Errorf("close: %w", cctx.Err())
	}
}
