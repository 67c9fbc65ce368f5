package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quintal-io/stevedore/backend"
	"github.com/quintal-io/stevedore/config"
	"github.com/quintal-io/stevedore/engine"
	"github.com/quintal-io/stevedore/store"
)

// fakeDispatcher records every request and delegates to a handler.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []backend.Request
	handler func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()
	return d.handler(ctx, req)
}

func (d *fakeDispatcher) dispatched(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, req := range d.calls {
		if req.TransferID == id {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localSpec(sources ...string) engine.Spec {
	return engine.Spec{
		Op:          backend.OpCopy,
		Source:      backend.LocalFS(),
		Dest:        backend.LocalFS(),
		Sources:     sources,
		Destination: "/tmp/dst",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func countStatus(s *engine.Scheduler, st engine.Status) int {
	n := 0
	for _, snap := range s.List() {
		if snap.Status == st {
			n++
		}
	}
	return n
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(2, 0), d, nil, discardLogger())
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(localSpec("a.txt")); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	waitFor(t, func() bool {
		return countStatus(s, engine.StatusRunning) == 2 && countStatus(s, engine.StatusQueued) == 1
	})

	// Releasing one slot admits the queued transfer.
	release <- struct{}{}
	waitFor(t, func() bool {
		return countStatus(s, engine.StatusCompleted) == 1 && countStatus(s, engine.StatusRunning) == 2
	})

	close(release)
	waitFor(t, func() bool {
		return countStatus(s, engine.StatusCompleted) == 3
	})
}

func TestScheduler_CancelQueuedNeverDispatched(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	first, err := s.Enqueue(localSpec("a.txt"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })

	second, err := s.Enqueue(localSpec("b.txt"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if err := s.Cancel(second.ID); err != nil {
		t.Fatalf("Failed to cancel queued transfer: %v", err)
	}

	snap, err := s.Get(second.ID)
	if err != nil {
		t.Fatalf("Failed to get transfer: %v", err)
	}
	if snap.Status != engine.StatusCancelled {
		t.Errorf("Expected cancelled status, got %s", snap.Status)
	}

	close(release)
	waitFor(t, func() bool { return countStatus(s, engine.StatusCompleted) == 1 })

	if d.dispatched(second.ID) {
		t.Error("Cancelled queued transfer reached the dispatcher")
	}
	if !d.dispatched(first.ID) {
		t.Error("Running transfer never reached the dispatcher")
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	var mu sync.Mutex
	var resumeReq *backend.Request

	d := &fakeDispatcher{}
	d.handler = func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
		d.mu.Lock()
		call := len(d.calls)
		d.mu.Unlock()

		if call == 1 {
			// First execution: report progress, then honor the pause.
			req.OnProgress(backend.Progress{BytesDone: 200, BytesTotal: 400, FilesDone: 2, FilesTotal: 4})
			for !req.Control.PauseRequested() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
			return &backend.Checkpoint{
				FilesCompleted: []string{"file1", "file2"},
				BytesDone:      200,
				BytesTotal:     400,
				FilesDone:      2,
				FilesTotal:     4,
			}, nil
		}

		mu.Lock()
		r := req
		resumeReq = &r
		mu.Unlock()
		return nil, nil
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	snap, err := s.Enqueue(localSpec("file1", "file2", "file3", "file4"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	id := snap.ID

	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })

	if err := s.Pause(id); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusPaused) == 1 })

	paused, err := s.Get(id)
	if err != nil {
		t.Fatalf("Failed to get paused transfer: %v", err)
	}
	if !paused.Checkpoint {
		t.Error("Expected paused transfer to hold a checkpoint")
	}
	if paused.Progress == nil || paused.Progress.BytesDone != 200 {
		t.Errorf("Expected paused progress at 200 bytes, got %+v", paused.Progress)
	}

	if err := s.Resume(id); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusCompleted) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if resumeReq == nil {
		t.Fatal("Resume never reached the dispatcher")
	}
	cp := resumeReq.Checkpoint
	if cp == nil {
		t.Fatal("Expected resumed request to carry the checkpoint")
	}
	if len(cp.FilesCompleted) != 2 || cp.FilesCompleted[0] != "file1" || cp.FilesCompleted[1] != "file2" {
		t.Errorf("Expected completed files [file1 file2], got %v", cp.FilesCompleted)
	}

	done, err := s.Get(id)
	if err != nil {
		t.Fatalf("Failed to get completed transfer: %v", err)
	}
	if done.Checkpoint {
		t.Error("Completed transfer still holds a checkpoint")
	}
}

func TestScheduler_CancelRunning(t *testing.T) {
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	snap, err := s.Enqueue(localSpec("a.txt"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })

	if err := s.Cancel(snap.ID); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusCancelled) == 1 })
}

func TestScheduler_FailedTransfer(t *testing.T) {
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			return nil, errors.New("disk full")
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	snap, err := s.Enqueue(localSpec("a.txt"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	waitFor(t, func() bool { return countStatus(s, engine.StatusFailed) == 1 })

	got, err := s.Get(snap.ID)
	if err != nil {
		t.Fatalf("Failed to get transfer: %v", err)
	}
	if got.Error != "disk full" {
		t.Errorf("Expected error message 'disk full', got %q", got.Error)
	}
}

func TestScheduler_InvalidTransitions(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	running, _ := s.Enqueue(localSpec("a.txt"))
	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })
	queued, _ := s.Enqueue(localSpec("b.txt"))

	if err := s.Pause(queued.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("Pause on queued: expected ErrInvalidState, got %v", err)
	}
	if err := s.Resume(running.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("Resume on running: expected ErrInvalidState, got %v", err)
	}
	if err := s.Dismiss(running.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("Dismiss on running: expected ErrInvalidState, got %v", err)
	}
	if err := s.Pause("no-such-id"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Pause on unknown ID: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Enqueue(engine.Spec{Op: backend.OpCopy}); !errors.Is(err, engine.ErrEmptySources) {
		t.Errorf("Enqueue with no sources: expected ErrEmptySources, got %v", err)
	}
}

func TestScheduler_Reorder(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	s.Enqueue(localSpec("running.txt"))
	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })

	b, _ := s.Enqueue(localSpec("b.txt"))
	c, _ := s.Enqueue(localSpec("c.txt"))
	dd, _ := s.Enqueue(localSpec("d.txt"))

	queuedIDs := func() []string {
		var ids []string
		for _, snap := range s.List() {
			if snap.Status == engine.StatusQueued {
				ids = append(ids, snap.ID)
			}
		}
		return ids
	}

	if err := s.MoveUp(dd.ID); err != nil {
		t.Fatalf("Failed to move up: %v", err)
	}
	got := queuedIDs()
	want := []string{b.ID, dd.ID, c.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("After MoveUp: expected order %v, got %v", want, got)
		}
	}

	if err := s.MoveDown(b.ID); err != nil {
		t.Fatalf("Failed to move down: %v", err)
	}
	got = queuedIDs()
	want = []string{dd.ID, b.ID, c.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("After MoveDown: expected order %v, got %v", want, got)
		}
	}

	// Moving the head up is a no-op, not an error.
	if err := s.MoveUp(dd.ID); err != nil {
		t.Errorf("MoveUp at head: expected no error, got %v", err)
	}

	// Running transfers cannot be reordered.
	runningID := s.List()[0].ID
	if err := s.MoveUp(runningID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("MoveUp on running: expected ErrInvalidState, got %v", err)
	}
}

func TestScheduler_Aggregate(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			switch req.Sources[0] {
			case "a.txt":
				req.OnProgress(backend.Progress{BytesDone: 50, BytesTotal: 100, FilesTotal: 1})
			case "b.txt":
				req.OnProgress(backend.Progress{BytesDone: 25, BytesTotal: 100, FilesTotal: 1})
			}
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(2, 0), d, nil, discardLogger())
	defer s.Close()

	s.Enqueue(localSpec("a.txt"))
	s.Enqueue(localSpec("b.txt"))

	waitFor(t, func() bool {
		agg := s.Aggregate()
		return agg.Running == 2 && agg.Percent == 38
	})
}

func TestScheduler_AggregateZero(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			req.OnProgress(backend.Progress{FilesTotal: 1})
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	// No records at all.
	if agg := s.Aggregate(); agg.Running != 0 || agg.Percent != 0 {
		t.Fatalf("Expected an idle aggregate, got running=%d percent=%d", agg.Running, agg.Percent)
	}

	// A running record with no byte totals reported yet stays at zero.
	s.Enqueue(localSpec("a.txt"))
	waitFor(t, func() bool { return s.Aggregate().Running == 1 })
	if agg := s.Aggregate(); agg.Percent != 0 {
		t.Errorf("Expected zero percent with zero total bytes, got %d", agg.Percent)
	}

	// Terminal records contribute nothing.
	release <- struct{}{}
	waitFor(t, func() bool { return countStatus(s, engine.StatusCompleted) == 1 })
	if agg := s.Aggregate(); agg.Running != 0 || agg.Percent != 0 {
		t.Errorf("Expected an idle aggregate after completion, got running=%d percent=%d", agg.Running, agg.Percent)
	}
}

func TestScheduler_NoProgressAfterTerminal(t *testing.T) {
	var mu sync.Mutex
	var report backend.ProgressFunc

	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			req.OnProgress(backend.Progress{BytesDone: 100, BytesTotal: 100, FilesDone: 1, FilesTotal: 1})
			mu.Lock()
			report = req.OnProgress
			mu.Unlock()
			return nil, nil
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, nil, discardLogger())
	defer s.Close()

	snap, _ := s.Enqueue(localSpec("a.txt"))
	waitFor(t, func() bool { return countStatus(s, engine.StatusCompleted) == 1 })

	// Late snapshots from a finished execution must not mutate the record.
	mu.Lock()
	report(backend.Progress{BytesDone: 999, BytesTotal: 999})
	mu.Unlock()

	got, err := s.Get(snap.ID)
	if err != nil {
		t.Fatalf("Failed to get transfer: %v", err)
	}
	if got.Progress.BytesDone != 100 || got.Progress.BytesTotal != 100 {
		t.Errorf("Expected final progress 100/100, got %d/%d", got.Progress.BytesDone, got.Progress.BytesTotal)
	}
}

func TestScheduler_DismissCompleted(t *testing.T) {
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			return nil, nil
		},
	}

	s := engine.NewScheduler(config.NewSettings(2, 0), d, nil, discardLogger())
	defer s.Close()

	s.Enqueue(localSpec("a.txt"))
	s.Enqueue(localSpec("b.txt"))
	waitFor(t, func() bool { return countStatus(s, engine.StatusCompleted) == 2 })

	s.DismissCompleted()
	if n := len(s.List()); n != 0 {
		t.Errorf("Expected no records after DismissCompleted, got %d", n)
	}
}

func TestScheduler_Restore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	save := func(rec *store.Record) {
		if err := st.Save(rec); err != nil {
			t.Fatalf("Failed to seed store: %v", err)
		}
	}
	save(&store.Record{ID: "was-running", Status: "running", Sources: []string{"a"}, Priority: 1, CreatedAt: time.Now()})
	save(&store.Record{ID: "was-queued", Status: "queued", Sources: []string{"b"}, Priority: 2, CreatedAt: time.Now()})
	save(&store.Record{
		ID: "was-paused", Status: "paused", Sources: []string{"c"}, Priority: 3, CreatedAt: time.Now(),
		Checkpoint: &backend.Checkpoint{FilesCompleted: []string{"c1"}, BytesDone: 10, BytesTotal: 20},
	})
	save(&store.Record{ID: "was-done", Status: "completed", Sources: []string{"d"}, Priority: 4, CreatedAt: time.Now()})

	release := make(chan struct{})
	defer close(release)
	d := &fakeDispatcher{
		handler: func(ctx context.Context, req backend.Request) (*backend.Checkpoint, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := engine.NewScheduler(config.NewSettings(1, 0), d, st, discardLogger())
	defer s.Close()

	if err := s.Restore(); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}

	// The interrupted running record had the lowest priority, so it is
	// admitted first; the former queued record waits behind it.
	waitFor(t, func() bool { return countStatus(s, engine.StatusRunning) == 1 })

	running, _ := s.Get("was-running")
	if running.Status != engine.StatusRunning {
		t.Errorf("Expected was-running to be re-admitted, got %s", running.Status)
	}
	queued, _ := s.Get("was-queued")
	if queued.Status != engine.StatusQueued {
		t.Errorf("Expected was-queued to stay queued, got %s", queued.Status)
	}
	paused, _ := s.Get("was-paused")
	if paused.Status != engine.StatusPaused {
		t.Errorf("Expected was-paused to stay paused, got %s", paused.Status)
	}
	if !paused.Checkpoint {
		t.Error("Expected restored paused transfer to keep its checkpoint")
	}
	done, _ := s.Get("was-done")
	if done.Status != engine.StatusCompleted {
		t.Errorf("Expected was-done to stay completed, got %s", done.Status)
	}
}
