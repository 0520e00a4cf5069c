package operation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/certops/core/logger"
)

// Sink receives a snapshot of an operation after every mutation. The zero
// sink drops updates; callers wire a broadcast-backed implementation from
// core/progress.
type Sink interface {
	Publish(targetID string, op *Operation)
}

type activeKey struct {
	targetID string
	kind     Kind
}

// Tracker is the single-process store of operations. It serializes the
// check-and-create of Start in one critical section, which is what upholds
// the at-most-one-in-flight invariant per (target, kind).
type Tracker struct {
	mu        sync.Mutex
	ops       map[string]*Operation
	active    map[activeKey]string
	cancelled map[string]struct{}
	sink      Sink
	log       *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithSink sets the progress sink notified on every update.
func WithSink(s Sink) TrackerOption {
	return func(t *Tracker) { t.sink = s }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates an empty operation tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		ops:       make(map[string]*Operation),
		active:    make(map[activeKey]string),
		cancelled: make(map[string]struct{}),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// CheckActive returns the non-terminal operation for (targetID, kind), or
// nil when none is in flight.
func (t *Tracker) CheckActive(targetID string, kind Kind) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.active[activeKey{targetID, kind}]; ok {
		return t.ops[id].Clone()
	}
	return nil
}

// Start atomically creates a pending operation for (targetID, kind). When a
// non-terminal operation already exists it is returned together with
// ErrAlreadyRunning; no second operation is created.
func (t *Tracker) Start(targetID string, kind Kind, createdBy CreatedBy, metadata map[string]string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := activeKey{targetID, kind}
	if id, ok := t.active[key]; ok {
		return t.ops[id].Clone(), ErrAlreadyRunning
	}

	now := time.Now()
	op := &Operation{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Kind:      kind,
		Status:    StatusPending,
		Message:   "Operation queued",
		StartedAt: now,
		CreatedBy: createdBy,
		Logs:      []LogEntry{{Time: now, Line: "Operation queued"}},
	}
	if len(metadata) > 0 {
		op.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			op.Metadata[k] = v
		}
	}

	t.ops[op.ID] = op
	t.active[key] = op.ID

	t.log.Info("operation started",
		logger.Component("operation"),
		logger.OperationID(op.ID),
		logger.TargetID(targetID),
		slog.String("kind", string(kind)),
		slog.String("created_by", string(createdBy)))

	t.publish(op)
	return op.Clone(), nil
}

// Get returns a snapshot of the operation with the given id.
func (t *Tracker) Get(id string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

// Patch describes a partial update applied through Update. Nil fields are
// left untouched; Metadata entries are merged key by key.
type Patch struct {
	Status   *Status
	Progress *int
	Message  *string
	Error    *string
	Metadata map[string]string
}

// Update merges the patch into the stored operation, appends a log line when
// the message changes, and publishes the new snapshot. Progress never moves
// backwards while the operation is non-terminal.
func (t *Tracker) Update(id string, p Patch) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	if op.Status.Terminal() {
		return op.Clone(), ErrTerminal
	}

	now := time.Now()

	if p.Progress != nil && *p.Progress > op.Progress {
		op.Progress = *p.Progress
	}
	if p.Message != nil && *p.Message != op.Message {
		op.Message = *p.Message
		op.Logs = append(op.Logs, LogEntry{Time: now, Line: *p.Message})
	}
	if p.Error != nil {
		op.Error = *p.Error
	}
	for k, v := range p.Metadata {
		if op.Metadata == nil {
			op.Metadata = make(map[string]string)
		}
		op.Metadata[k] = v
	}
	if p.Status != nil && *p.Status != op.Status {
		op.Status = *p.Status
		if op.Status.Terminal() {
			t := now
			op.CompletedAt = &t
		}
	}

	if op.Status.Terminal() {
		delete(t.active, activeKey{op.TargetID, op.Kind})
		delete(t.cancelled, op.ID)
	}

	t.publish(op)
	return op.Clone(), nil
}

// AppendLog adds a raw log line without touching the status line shown to
// observers.
func (t *Tracker) AppendLog(id, line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return ErrNotFound
	}
	op.Logs = append(op.Logs, LogEntry{Time: time.Now(), Line: line})
	t.publish(op)
	return nil
}

// Cancel records a cancellation request against the operation. The request
// is cooperative: the orchestration loop observes it at the next step
// boundary and terminates early.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status.Terminal() {
		return ErrTerminal
	}

	t.cancelled[id] = struct{}{}
	op.Logs = append(op.Logs, LogEntry{Time: time.Now(), Line: "Cancellation requested"})
	return nil
}

// Cancelled reports whether a cancellation request is pending for id.
func (t *Tracker) Cancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[id]
	return ok
}

// Cleanup deletes terminal operations whose completion is older than maxAge
// and returns how many were removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, op := range t.ops {
		if op.Status.Terminal() && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			delete(t.ops, id)
			removed++
		}
	}

	if removed > 0 {
		t.log.Info("cleaned up operations",
			logger.Component("operation"),
			slog.Int("removed", removed))
	}
	return removed
}

// CleanupLoop runs Cleanup on the given interval until ctx is cancelled.
func (t *Tracker) CleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup(maxAge)
		}
	}
}

// ListByTarget returns snapshots of all operations for a target.
func (t *Tracker) ListByTarget(targetID string) []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Operation
	for _, op := range t.ops {
		if op.TargetID == targetID {
			out = append(out, op.Clone())
		}
	}
	return out
}

// publish must be called with t.mu held; the snapshot is cloned first so the
// sink never observes later mutations.
func (t *Tracker) publish(op *Operation) {
	if t.sink == nil {
		return
	}
	t.sink.Publish(op.TargetID, op.Clone())
}
