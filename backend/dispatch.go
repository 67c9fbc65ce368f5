package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Dispatcher routes each transfer to the execution path for its
// (kind, source backend, destination backend) combination. The route table
// is a closed map; a missing entry is a programming error surfaced as
// ErrUnsupportedRoute, never a recoverable runtime condition.
//
// Moves are never decomposed here for local→local (the local executor
// renames atomically where it can); for remote routes the source delete is
// issued strictly after the copy leg reports full success.
type Dispatcher struct {
	local    *Local
	remotes  map[string]Remote
	stageDir string
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher. stageDir hosts the temporary
// directories cross-remote routes stage through; it is created on demand.
func NewDispatcher(local *Local, stageDir string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		local:    local,
		remotes:  make(map[string]Remote),
		stageDir: stageDir,
		log:      log,
	}
}

// RegisterRemote makes a remote connection addressable by name.
func (d *Dispatcher) RegisterRemote(name string, r Remote) {
	d.remotes[name] = r
}

type routeKey struct {
	op  Op
	src Kind
	dst Kind
}

type routeFunc func(*Dispatcher, context.Context, Request) (*Checkpoint, error)

var routes = map[routeKey]routeFunc{
	{OpCopy, KindLocal, KindLocal}: (*Dispatcher).localCopy,
	{OpMove, KindLocal, KindLocal}: (*Dispatcher).localMove,

	{OpCopy, KindObject, KindLocal}: (*Dispatcher).download,
	{OpMove, KindObject, KindLocal}: (*Dispatcher).downloadMove,
	{OpCopy, KindSecure, KindLocal}: (*Dispatcher).download,
	{OpMove, KindSecure, KindLocal}: (*Dispatcher).downloadMove,

	{OpCopy, KindLocal, KindObject}: (*Dispatcher).upload,
	{OpMove, KindLocal, KindObject}: (*Dispatcher).uploadMove,
	{OpCopy, KindLocal, KindSecure}: (*Dispatcher).upload,
	{OpMove, KindLocal, KindSecure}: (*Dispatcher).uploadMove,

	{OpCopy, KindObject, KindObject}: (*Dispatcher).remoteCopy,
	{OpMove, KindObject, KindObject}: (*Dispatcher).remoteMove,

	// Cross-protocol and secure↔secure routes stage through a local
	// temporary directory: a source-side download then a destination-side
	// upload, orchestrated here rather than inside one backend call.
	{OpCopy, KindObject, KindSecure}: (*Dispatcher).stagedCopy,
	{OpMove, KindObject, KindSecure}: (*Dispatcher).stagedMove,
	{OpCopy, KindSecure, KindObject}: (*Dispatcher).stagedCopy,
	{OpMove, KindSecure, KindObject}: (*Dispatcher).stagedMove,
	{OpCopy, KindSecure, KindSecure}: (*Dispatcher).stagedCopy,
	{OpMove, KindSecure, KindSecure}: (*Dispatcher).stagedMove,

	{OpExtract, KindArchive, KindLocal}: (*Dispatcher).extract,
}

// Dispatch executes one transfer request: (nil, nil) on success, a
// checkpoint when a pause stopped it, or an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Checkpoint, error) {
	fn, ok := routes[routeKey{req.Op, req.Source.Kind, req.Dest.Kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s→%s",
			ErrUnsupportedRoute, req.Op, req.Source.Kind, req.Dest.Kind)
	}
	return fn(d, ctx, req)
}

// Delete removes paths on the named backend. Used for move cleanup and for
// sync-plan deletions.
func (d *Dispatcher) Delete(ctx context.Context, id ID, paths []string) error {
	switch id.Kind {
	case KindLocal:
		return d.local.Delete(ctx, paths)
	case KindObject, KindSecure:
		r, err := d.remote(id)
		if err != nil {
			return err
		}
		return r.Delete(ctx, paths)
	}
	return fmt.Errorf("%w: delete on %s backend", ErrUnsupportedRoute, id.Kind)
}

func (d *Dispatcher) remote(id ID) (Remote, error) {
	r, ok := d.remotes[id.Conn]
	if !ok {
		return nil, fmt.Errorf("no registered %s connection %q", id.Kind, id.Conn)
	}
	return r, nil
}

func (d *Dispatcher) localCopy(ctx context.Context, req Request) (*Checkpoint, error) {
	return d.local.Copy(ctx, req)
}

func (d *Dispatcher) localMove(ctx context.Context, req Request) (*Checkpoint, error) {
	return d.local.Move(ctx, req)
}

func (d *Dispatcher) download(ctx context.Context, req Request) (*Checkpoint, error) {
	r, err := d.remote(req.Source)
	if err != nil {
		return nil, err
	}
	return r.Download(ctx, req)
}

func (d *Dispatcher) downloadMove(ctx context.Context, req Request) (*Checkpoint, error) {
	r, err := d.remote(req.Source)
	if err != nil {
		return nil, err
	}
	cp, err := r.Download(ctx, req)
	if err != nil || cp != nil {
		return cp, err
	}
	// Download confirmed complete, only now delete the source.
	if err := r.Delete(ctx, req.Sources); err != nil {
		return nil, fmt.Errorf("remove moved source: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) upload(ctx context.Context, req Request) (*Checkpoint, error) {
	r, err := d.remote(req.Dest)
	if err != nil {
		return nil, err
	}
	return r.Upload(ctx, req)
}

func (d *Dispatcher) uploadMove(ctx context.Context, req Request) (*Checkpoint, error) {
	r, err := d.remote(req.Dest)
	if err != nil {
		return nil, err
	}
	cp, err := r.Upload(ctx, req)
	if err != nil || cp != nil {
		return cp, err
	}
	if err := d.local.Delete(ctx, req.Sources); err != nil {
		return nil, fmt.Errorf("remove moved source: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) remoteCopy(ctx context.Context, req Request) (*Checkpoint, error) {
	if req.Source.Conn == req.Dest.Conn {
		r, err := d.remote(req.Source)
		if err != nil {
			return nil, err
		}
		if copier, ok := r.(Copier); ok {
			return copier.CopyWithin(ctx, req)
		}
	}
	return d.stagedCopy(ctx, req)
}

func (d *Dispatcher) remoteMove(ctx context.Context, req Request) (*Checkpoint, error) {
	cp, err := d.remoteCopy(ctx, req)
	if err != nil || cp != nil {
		return cp, err
	}
	r, err := d.remote(req.Source)
	if err != nil {
		return nil, err
	}
	if err := r.Delete(ctx, req.Sources); err != nil {
		return nil, fmt.Errorf("remove moved source: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) extract(ctx context.Context, req Request) (*Checkpoint, error) {
	return NewExtractor(req.Source.Conn, d.log).Extract(ctx, req)
}

// stagedState is the dispatcher-owned partial state for two-phase staged
// routes, carried opaquely in the checkpoint like any backend partial.
type stagedState struct {
	Stage string      `json:"stage"` // "download" or "upload"
	Dir   string      `json:"dir"`
	Inner *Checkpoint `json:"inner,omitempty"`
}

func (d *Dispatcher) stagedCopy(ctx context.Context, req Request) (*Checkpoint, error) {
	st, err := d.stageFor(&req)
	if err != nil {
		return nil, err
	}
	cp, err := d.runStaged(ctx, req, st)
	if err != nil {
		// No checkpoint survives a failed route, so nothing can reclaim
		// the stage directory later.
		if rmErr := os.RemoveAll(st.Dir); rmErr != nil && d.log != nil {
			d.log.Warn("stage directory cleanup failed", "dir", st.Dir, "error", rmErr)
		}
		return nil, err
	}
	return cp, nil
}

func (d *Dispatcher) runStaged(ctx context.Context, req Request, st *stagedState) (*Checkpoint, error) {
	if st.Stage == "download" {
		src, err := d.remote(req.Source)
		if err != nil {
			return nil, err
		}
		dreq := req
		dreq.Dest = LocalFS()
		dreq.Destination = st.Dir
		dreq.Checkpoint = st.Inner
		// Halve apparent progress: the bytes travel twice.
		dreq.OnProgress = func(p Progress) {
			p.BytesTotal *= 2
			p.FilesTotal *= 2
			req.progress(p)
		}
		cp, err := src.Download(ctx, dreq)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return wrapStaged(cp, stagedState{Stage: "download", Dir: st.Dir, Inner: cp})
		}
		st.Stage = "upload"
		st.Inner = nil
	}

	dst, err := d.remote(req.Dest)
	if err != nil {
		return nil, err
	}
	staged, doneBytes, doneFiles, err := stageContents(st.Dir)
	if err != nil {
		return nil, err
	}
	ureq := req
	ureq.Source = LocalFS()
	ureq.Sources = staged
	ureq.Checkpoint = st.Inner
	ureq.OnProgress = func(p Progress) {
		p.BytesDone += doneBytes
		p.BytesTotal += doneBytes
		p.FilesDone += doneFiles
		p.FilesTotal += doneFiles
		req.progress(p)
	}
	cp, err := dst.Upload(ctx, ureq)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		return wrapStaged(cp, stagedState{Stage: "upload", Dir: st.Dir, Inner: cp})
	}
	if err := os.RemoveAll(st.Dir); err != nil && d.log != nil {
		d.log.Warn("stage directory cleanup failed", "dir", st.Dir, "error", err)
	}
	return nil, nil
}

func (d *Dispatcher) stagedMove(ctx context.Context, req Request) (*Checkpoint, error) {
	cp, err := d.stagedCopy(ctx, req)
	if err != nil || cp != nil {
		return cp, err
	}
	src, err := d.remote(req.Source)
	if err != nil {
		return nil, err
	}
	if err := src.Delete(ctx, req.Sources); err != nil {
		return nil, fmt.Errorf("remove moved source: %w", err)
	}
	return nil, nil
}

// stageFor resumes a prior staged state from the request checkpoint or
// allocates a fresh stage directory.
func (d *Dispatcher) stageFor(req *Request) (*stagedState, error) {
	if req.Checkpoint != nil && len(req.Checkpoint.Partial) > 0 {
		st := &stagedState{}
		if err := json.Unmarshal(req.Checkpoint.Partial, st); err == nil && st.Dir != "" {
			return st, nil
		}
	}
	if err := os.MkdirAll(d.stageDir, 0755); err != nil {
		return nil, fmt.Errorf("create stage directory: %w", err)
	}
	dir, err := os.MkdirTemp(d.stageDir, "stage-")
	if err != nil {
		return nil, fmt.Errorf("create stage directory: %w", err)
	}
	return &stagedState{Stage: "download", Dir: dir}, nil
}

// wrapStaged rides the phase state in the checkpoint's opaque partial slot.
func wrapStaged(cp *Checkpoint, st stagedState) (*Checkpoint, error) {
	outer := *cp
	partial, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode staged checkpoint: %w", err)
	}
	outer.Partial = partial
	return &outer, nil
}

// stageContents lists the top-level entries of the stage directory and
// totals its files for progress offsetting.
func stageContents(dir string) (entries []string, bytes int64, files int64, err error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list stage directory: %w", err)
	}
	for _, entry := range names {
		entries = append(entries, filepath.Join(dir, entry.Name()))
	}
	items, err := expandLocal(entries)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, it := range items {
		bytes += it.Size
		files++
	}
	return entries, bytes, files, nil
}
