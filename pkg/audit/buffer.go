// Package audit collects activity events and persists them in batches.
//
// A Buffer turns each Event into an immutable Record (geolocated, sanitized,
// truncated), queues it, and hands queued records to a Sink either when the
// batch is full or when the flush interval elapses. A failed batch goes back
// to the head of the queue and is retried on the next trigger, so delivery is
// at-least-once and ordered.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/horoswatch/pkg/geo"
)

// Config tunes batching. Zero fields take the defaults from DefaultConfig,
// except MaxPending where zero means unbounded.
type Config struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	GeoTimeout    time.Duration
	MaxPending    int
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  50,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  30 * time.Second,
		GeoTimeout:    500 * time.Millisecond,
		MaxPending:    10000,
	}
}

type flushState int

const (
	stateIdle flushState = iota
	stateTimerArmed
	stateFlushing
)

func (s flushState) String() string {
	switch s {
	case stateTimerArmed:
		return "timer_armed"
	case stateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Buffer queues records and flushes them to a Sink. Create with NewBuffer.
type Buffer struct {
	cfg    Config
	sink   Sink
	geo    geo.Resolver
	clock  Clock
	logger *slog.Logger

	mu       sync.Mutex
	retry    []Record // head of the queue: batches handed back by a failed flush
	fresh    []Record // tail of the queue: records recorded since
	state    flushState
	timer    Timer
	timerGen uint64
	closed   bool

	persisted uint64
	failures  uint64
	dropped   uint64

	inflight sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithGeo enables IP geolocation.
func WithGeo(r geo.Resolver) Option {
	return func(b *Buffer) { b.geo = r }
}

// WithClock replaces the wall clock and timers.
func WithClock(c Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

func NewBuffer(sink Sink, cfg Config, opts ...Option) *Buffer {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = def.GeoTimeout
	}
	if cfg.MaxPending < 0 {
		cfg.MaxPending = 0
	}

	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "audit")
	return b
}

// Record queues ev and returns without waiting for persistence. Enrichment
// and encoding problems are logged and never reported to the caller.
func (b *Buffer) Record(ctx context.Context, ev Event) {
	rec := b.build(ctx, ev)

	b.mu.Lock()
	if b.closed {
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("audit buffer closed, dropping record", "event_type", rec.Type, "record_id", rec.ID)
		return
	}
	b.fresh = append(b.fresh, rec)
	b.enforceCeilingLocked()
	batch := b.triggerLocked()
	b.mu.Unlock()

	if batch != nil {
		go b.send(context.Background(), batch)
	}
}

// Flush hands every pending record to the sink now. It is a no-op when the
// queue is empty or another flush is already in flight. A sink failure puts
// the batch back at the head of the queue and is returned.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.state == stateFlushing || b.pendingLocked() == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	return b.send(ctx, batch)
}

// Close stops the timer, waits for in-flight flushes and makes a final
// flush attempt. Records submitted afterwards are dropped.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.disarmLocked()
	b.mu.Unlock()

	b.inflight.Wait()

	if err := b.Flush(ctx); err != nil {
		b.mu.Lock()
		left := b.pendingLocked()
		b.mu.Unlock()
		return fmt.Errorf("final audit flush, %d records unsaved: %w", left, err)
	}
	return nil
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Pending       int    `json:"pending"`
	Persisted     uint64 `json:"persisted"`
	FailedFlushes uint64 `json:"failed_flushes"`
	Dropped       uint64 `json:"dropped"`
	State         string `json:"state"`
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:       b.pendingLocked(),
		Persisted:     b.persisted,
		FailedFlushes: b.failures,
		Dropped:       b.dropped,
		State:         b.state.String(),
	}
}

func (b *Buffer) build(ctx context.Context, ev Event) Record {
	rec := Record{
		ID:         uuid.NewString(),
		Timestamp:  b.clock.Now().UTC(),
		Type:       ev.Type,
		UserID:     ev.UserID,
		ClientID:   ev.ClientID,
		SessionID:  ev.SessionID,
		ToolName:   ev.ToolName,
		IP:         ev.IP,
		UserAgent:  ev.UserAgent,
		DurationMs: ev.DurationMs,
		Status:     ev.Status,
		Error:      Truncate(ev.Error),
	}
	switch rec.Status {
	case StatusSuccess, StatusError:
	case "":
		rec.Status = StatusSuccess
	default:
		// Kept as an error so the row still satisfies the status enum.
		b.logger.Warn("unknown audit status, recorded as error", "event_type", rec.Type, "status", ev.Status)
		rec.Status = StatusError
		if rec.Error == "" {
			rec.Error = Truncate(fmt.Sprintf("unrecognized status %q", string(ev.Status)))
		}
	}
	if !rec.Type.Valid() {
		b.logger.Warn("unknown audit event type", "event_type", rec.Type)
	}

	if loc := b.locate(ctx, ev.IP); loc != nil {
		rec.Country = loc.Country
		rec.City = loc.City
	}

	meta, err := encodeMetadata(sanitizeMap(ev.Metadata))
	if err != nil {
		b.logger.Warn("audit metadata not serializable", "event_type", rec.Type, "error", err)
	}
	rec.Metadata = meta
	return rec
}

func (b *Buffer) locate(ctx context.Context, ip string) *geo.Location {
	if b.geo == nil || ip == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.GeoTimeout)
	defer cancel()

	type result struct {
		loc *geo.Location
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("geo resolver panicked: %v", p)}
			}
		}()
		loc, err := b.geo.Lookup(ctx, ip)
		ch <- result{loc: loc, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			b.logger.Debug("geolocation failed", "ip", ip, "error", r.err)
			return nil
		}
		return r.loc
	case <-ctx.Done():
		b.logger.Debug("geolocation timed out", "ip", ip, "timeout", b.cfg.GeoTimeout)
		return nil
	}
}

func (b *Buffer) pendingLocked() int {
	return len(b.retry) + len(b.fresh)
}

// triggerLocked applies the size and time triggers. It returns a batch the
// caller must send when the size trigger fired.
func (b *Buffer) triggerLocked() []Record {
	if b.state == stateFlushing || b.pendingLocked() == 0 {
		return nil
	}
	if b.pendingLocked() >= b.cfg.MaxBatchSize {
		return b.takeLocked()
	}
	if b.state == stateIdle {
		b.armLocked()
	}
	return nil
}

// takeLocked snapshots and clears the queue, moving to stateFlushing.
// The caller owns one inflight slot and must pass the batch to send.
func (b *Buffer) takeLocked() []Record {
	b.disarmLocked()
	batch := make([]Record, 0, b.pendingLocked())
	batch = append(batch, b.retry...)
	batch = append(batch, b.fresh...)
	b.retry = nil
	b.fresh = nil
	b.state = stateFlushing
	b.inflight.Add(1)
	return batch
}

func (b *Buffer) armLocked() {
	b.timerGen++
	gen := b.timerGen
	b.timer = b.clock.AfterFunc(b.cfg.FlushInterval, func() { b.onTimer(gen) })
	b.state = stateTimerArmed
}

func (b *Buffer) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// A callback already past Stop sees a stale generation and returns.
	b.timerGen++
	if b.state == stateTimerArmed {
		b.state = stateIdle
	}
}

func (b *Buffer) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.timerGen || b.state != stateTimerArmed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.state = stateIdle
	if b.pendingLocked() == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	_ = b.send(context.Background(), batch)
}

func (b *Buffer) send(ctx context.Context, batch []Record) error {
	defer b.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	start := time.Now()
	err := b.appendBatch(ctx, batch)
	cancel()

	b.mu.Lock()
	b.state = stateIdle
	var next []Record
	if err != nil {
		requeued := make([]Record, 0, len(batch)+len(b.retry))
		requeued = append(requeued, batch...)
		b.retry = append(requeued, b.retry...)
		b.failures++
		b.enforceCeilingLocked()
	} else {
		b.persisted += uint64(len(batch))
		if !b.closed {
			next = b.triggerLocked()
		}
	}
	pending := b.pendingLocked()
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("audit flush failed, batch requeued", "records", len(batch), "pending", pending, "error", err)
	} else {
		b.logger.Debug("audit batch persisted", "records", len(batch), "duration", time.Since(start))
	}

	if next != nil {
		go b.send(context.Background(), next)
	}
	return err
}

func (b *Buffer) appendBatch(ctx context.Context, batch []Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit sink panicked: %v", p)
		}
	}()
	return b.sink.AppendBatch(ctx, batch)
}

// enforceCeilingLocked drops the oldest records once MaxPending is exceeded.
func (b *Buffer) enforceCeilingLocked() {
	if b.cfg.MaxPending <= 0 {
		return
	}
	over := b.pendingLocked() - b.cfg.MaxPending
	if over <= 0 {
		return
	}
	n := over
	if n > len(b.retry) {
		n = len(b.retry)
	}
	b.retry = b.retry[n:]
	if rest := over - n; rest > 0 {
		b.fresh = b.fresh[rest:]
	}
	b.dropped += uint64(over)
	b.logger.Warn("audit queue over capacity, oldest records dropped", "dropped", over, "max_pending", b.cfg.MaxPending)
}
