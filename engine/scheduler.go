package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quintal-io/stevedore/backend"
	"github.com/quintal-io/stevedore/config"
	"github.com/quintal-io/stevedore/store"
)

var (
	// ErrNotFound is returned when the scheduler has no record for an ID.
	ErrNotFound = errors.New("transfer not found")

	// ErrEmptySources rejects a submission with no source entries.
	ErrEmptySources = errors.New("transfer has no sources")

	// ErrInvalidState is returned when a control operation does not apply
	// to the record's current status.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Dispatcher routes one transfer execution to the right backend pair.
// *backend.Dispatcher satisfies it; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req backend.Request) (*backend.Checkpoint, error)
}

// Spec describes a transfer to submit.
type Spec struct {
	Op          backend.Op
	Source      backend.ID
	Dest        backend.ID
	Sources     []string
	Destination string
	Password    string
}

// Scheduler admits queued transfers up to the configured concurrency
// bound, runs each through the dispatcher on its own goroutine, and owns
// every status transition. All record state is guarded by one mutex;
// executions only touch it through onProgress and finish.
type Scheduler struct {
	mu         sync.Mutex
	settings   *config.Settings
	dispatcher Dispatcher
	store      store.Store
	log        *slog.Logger

	records  map[string]*Transfer
	controls map[string]*backend.Control
	cancels  map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool

	now func() time.Time
}

// NewScheduler creates a scheduler. The store may be nil for ephemeral use.
func NewScheduler(settings *config.Settings, d Dispatcher, st store.Store, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		settings:   settings,
		dispatcher: d,
		store:      st,
		log:        log,
		records:    make(map[string]*Transfer),
		controls:   make(map[string]*backend.Control),
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
	}
}

// Restore loads persisted records and re-queues interrupted work: records
// that were running or queued when the process stopped become queued
// again, paused records keep their checkpoints, terminal records are kept
// for display. Call it once before submitting new work.
func (s *Scheduler) Restore() error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.List()
	if err != nil {
		return fmt.Errorf("failed to load persisted transfers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		t := transferOf(rec)
		switch t.Status {
		case StatusRunning, StatusQueued:
			t.Status = StatusQueued
		}
		s.records[t.ID] = t
	}
	s.admitLocked()
	return nil
}

// Enqueue submits a transfer. It is admitted immediately when a slot is
// free, otherwise it waits in priority order.
func (s *Scheduler) Enqueue(spec Spec) (Snapshot, error) {
	if len(spec.Sources) == 0 {
		return Snapshot{}, ErrEmptySources
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}

	now := s.now()
	t := &Transfer{
		ID:          uuid.New().String(),
		Op:          spec.Op,
		Status:      StatusQueued,
		Sources:     append([]string(nil), spec.Sources...),
		Destination: spec.Destination,
		Source:      spec.Source,
		Dest:        spec.Dest,
		Priority:    now.UnixNano(),
		Password:    spec.Password,
		CreatedAt:   now,
	}
	s.records[t.ID] = t
	s.persistLocked(t)

	s.log.Info("transfer enqueued",
		"id", t.ID, "op", t.Op.String(),
		"source", t.Source.Kind.String(), "dest", t.Dest.Kind.String(),
		"sources", len(t.Sources))

	s.admitLocked()
	return t.snapshot(), nil
}

// Pause asks a running transfer to stop at its next safe boundary. The
// record stays running until the executor hands back a checkpoint.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: cannot pause %s transfer", ErrInvalidState, t.Status)
	}
	if c := s.controls[id]; c != nil {
		c.RequestPause()
	}
	return nil
}

// Resume re-queues a paused transfer. Its checkpoint is handed to the
// executor when the transfer is next admitted.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, t.Status)
	}
	t.Status = StatusQueued
	t.Priority = s.now().UnixNano()
	s.persistLocked(t)
	s.admitLocked()
	return nil
}

// Cancel stops a transfer. A queued record is cancelled in place without
// ever reaching an executor; a running record has its context cancelled
// and resolves to cancelled when the executor returns.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	switch t.Status {
	case StatusQueued:
		t.Status = StatusCancelled
		s.persistLocked(t)
		s.log.Info("transfer cancelled", "id", id)
		return nil
	case StatusRunning:
		if cancel := s.cancels[id]; cancel != nil {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot cancel %s transfer", ErrInvalidState, t.Status)
	}
}

// MoveUp swaps a queued transfer with the queued transfer ahead of it.
func (s *Scheduler) MoveUp(id string) error {
	return s.reorder(id, -1)
}

// MoveDown swaps a queued transfer with the queued transfer behind it.
func (s *Scheduler) MoveDown(id string) error {
	return s.reorder(id, +1)
}

func (s *Scheduler) reorder(id string, dir int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusQueued {
		return fmt.Errorf("%w: cannot reorder %s transfer", ErrInvalidState, t.Status)
	}

	queued := s.queuedLocked()
	idx := -1
	for i, q := range queued {
		if q.ID == id {
			idx = i
			break
		}
	}
	other := idx + dir
	if other < 0 || other >= len(queued) {
		// Already at the edge of the queue.
		return nil
	}

	queued[idx].Priority, queued[other].Priority = queued[other].Priority, queued[idx].Priority
	s.persistLocked(queued[idx])
	s.persistLocked(queued[other])
	return nil
}

// Dismiss removes a terminal record from the scheduler and the store.
func (s *Scheduler) Dismiss(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: cannot dismiss %s transfer", ErrInvalidState, t.Status)
	}
	delete(s.records, id)
	s.unpersistLocked(id)
	return nil
}

// DismissCompleted removes every terminal record.
func (s *Scheduler) DismissCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.records {
		if t.Status.Terminal() {
			delete(s.records, id)
			s.unpersistLocked(id)
		}
	}
}

// Get returns a snapshot of one record.
func (s *Scheduler) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return t.snapshot(), nil
}

// List returns snapshots of every record: running first, then the queue
// in admission order, then paused, then terminal records oldest first.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(s.records))
	for _, t := range s.records {
		snaps = append(snaps, t.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		ri, rj := statusRank(snaps[i].Status), statusRank(snaps[j].Status)
		if ri != rj {
			return ri < rj
		}
		if snaps[i].Priority != snaps[j].Priority {
			return snaps[i].Priority < snaps[j].Priority
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

func statusRank(st Status) int {
	switch st {
	case StatusRunning:
		return 0
	case StatusQueued:
		return 1
	case StatusPaused:
		return 2
	default:
		return 3
	}
}

// Aggregate returns the combined progress of the running records.
func (s *Scheduler) Aggregate() Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agg Aggregate
	var done, total int64
	for _, t := range s.records {
		if t.Status != StatusRunning {
			continue
		}
		agg.Running++
		agg.Rate += t.speed.value()
		if t.Progress != nil {
			done += t.Progress.BytesDone
			total += t.Progress.BytesTotal
		}
	}
	if total > 0 {
		agg.Percent = int((done*100 + total/2) / total)
	}
	return agg
}

// SetMaxConcurrent changes the concurrency bound. Raising it admits
// queued work immediately; lowering it never interrupts running work.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.settings.SetMaxConcurrent(n)
	s.mu.Lock()
	s.admitLocked()
	s.mu.Unlock()
}

// SetBandwidthLimit changes the global limit in bytes per second
// (0 = unlimited). In-flight executions pick it up on their next read.
func (s *Scheduler) SetBandwidthLimit(n int64) {
	s.settings.SetBandwidthLimit(n)
}

// Close stops admission, cancels running executions and waits for them.
// Interrupted records are persisted as queued so a restart resumes them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
}

// queuedLocked returns the queued records in admission order.
func (s *Scheduler) queuedLocked() []*Transfer {
	var queued []*Transfer
	for _, t := range s.records {
		if t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		return queued[i].ID < queued[j].ID
	})
	return queued
}

// admitLocked starts queued records while slots are free.
func (s *Scheduler) admitLocked() {
	if s.closed {
		return
	}
	limit := s.settings.MaxConcurrent()
	running := 0
	for _, t := range s.records {
		if t.Status == StatusRunning {
			running++
		}
	}
	for _, t := range s.queuedLocked() {
		if running >= limit {
			return
		}
		s.startLocked(t)
		running++
	}
}

// startLocked moves one queued record to running and spawns its
// execution. The checkpoint, if any, is consumed here: it travels into
// the request and is detached from the record, so a record holds a
// checkpoint exactly while it is paused.
func (s *Scheduler) startLocked(t *Transfer) {
	cp := t.Checkpoint
	t.Checkpoint = nil
	t.Status = StatusRunning
	t.Error = ""
	t.speed.reset()
	if cp != nil {
		t.Progress = &backend.Progress{
			BytesDone:  cp.BytesDone,
			BytesTotal: cp.BytesTotal,
			FilesDone:  cp.FilesDone,
			FilesTotal: cp.FilesTotal,
		}
	}

	control := backend.NewControl()
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.controls[t.ID] = control
	s.cancels[t.ID] = cancel

	req := backend.Request{
		TransferID:  t.ID,
		Op:          t.Op,
		Source:      t.Source,
		Dest:        t.Dest,
		Sources:     append([]string(nil), t.Sources...),
		Destination: t.Destination,
		Checkpoint:  cp,
		Password:    t.Password,
		Bandwidth:   s.settings.BandwidthFunc(),
		OnProgress:  s.onProgress(t.ID),
		Control:     control,
	}

	s.persistLocked(t)
	s.log.Info("transfer started", "id", t.ID, "op", t.Op.String(), "resumed", cp != nil)

	s.wg.Add(1)
	go s.run(ctx, cancel, req)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, req backend.Request) {
	defer s.wg.Done()
	defer cancel()

	cp, err := s.dispatcher.Dispatch(ctx, req)
	s.finish(req.TransferID, cp, err)
}

// finish resolves one execution's outcome and frees its slot.
func (s *Scheduler) finish(id string, cp *backend.Checkpoint, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.controls, id)
	delete(s.cancels, id)

	t, ok := s.records[id]
	if !ok {
		return
	}

	switch {
	case err == nil && cp != nil:
		t.Status = StatusPaused
		t.Checkpoint = cp
		t.Progress = &backend.Progress{
			BytesDone:  cp.BytesDone,
			BytesTotal: cp.BytesTotal,
			FilesDone:  cp.FilesDone,
			FilesTotal: cp.FilesTotal,
		}
		s.log.Info("transfer paused", "id", id, "bytes_done", cp.BytesDone)
	case err == nil:
		t.Status = StatusCompleted
		if t.Progress != nil {
			t.Progress.BytesDone = t.Progress.BytesTotal
			t.Progress.FilesDone = t.Progress.FilesTotal
			t.Progress.CurrentItem = ""
		}
		s.log.Info("transfer completed", "id", id)
	case backend.Cancelled(err):
		if s.closed {
			// Shutdown interrupted it; persist as queued so a restart
			// picks it back up.
			t.Status = StatusQueued
		} else {
			t.Status = StatusCancelled
			s.log.Info("transfer cancelled", "id", id)
		}
	default:
		t.Status = StatusFailed
		t.Error = err.Error()
		s.log.Error("transfer failed", "id", id, "error", err)
	}

	s.persistLocked(t)
	s.admitLocked()
}

// onProgress returns the callback wired into one execution's request.
// Snapshots arriving after the record left running, and snapshots whose
// byte count regresses, are dropped.
func (s *Scheduler) onProgress(id string) backend.ProgressFunc {
	return func(p backend.Progress) {
		s.mu.Lock()
		defer s.mu.Unlock()

		t, ok := s.records[id]
		if !ok || t.Status != StatusRunning {
			return
		}
		if t.Progress != nil && p.BytesDone < t.Progress.BytesDone {
			return
		}
		cp := p
		t.Progress = &cp
		t.speed.observe(s.now(), p.BytesDone)
	}
}

// persistLocked writes the record through the store, when one is set.
// Progress ticks are deliberately not persisted; only status changes are.
func (s *Scheduler) persistLocked(t *Transfer) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(recordOf(t)); err != nil {
		s.log.Error("failed to persist transfer", "id", t.ID, "error", err)
	}
}

func (s *Scheduler) unpersistLocked(id string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(id); err != nil {
		s.log.Error("failed to delete persisted transfer", "id", id, "error", err)
	}
}

func recordOf(t *Transfer) *store.Record {
	return &store.Record{
		ID:          t.ID,
		Op:          t.Op,
		Status:      string(t.Status),
		Sources:     t.Sources,
		Destination: t.Destination,
		Source:      t.Source,
		Dest:        t.Dest,
		Priority:    t.Priority,
		Progress:    t.Progress,
		Checkpoint:  t.Checkpoint,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}
}

func transferOf(rec *store.Record) *Transfer {
	return &Transfer{
		ID:          rec.ID,
		Op:          rec.Op,
		Status:      Status(rec.Status),
		Sources:     rec.Sources,
		Destination: rec.Destination,
		Source:      rec.Source,
		Dest:        rec.Dest,
		Priority:    rec.Priority,
		Progress:    rec.Progress,
		Checkpoint:  rec.Checkpoint,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
	}
}
