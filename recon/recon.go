// Package recon reconciles two directory trees: it classifies each path on
// both sides, lets the caller select a subset, and translates the
// selection into a batch of transfers plus an explicit delete request.
package recon

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/quintal-io/stevedore/backend"
	"github.com/quintal-io/stevedore/engine"
)

// Class is one path's comparison result.
type Class string

const (
	ClassNew      Class = "new"
	ClassModified Class = "modified"
	ClassDeleted  Class = "deleted"
	ClassSame     Class = "same"
)

// Side holds one side's view of a path.
type Side struct {
	Size        int64
	ModTime     int64
	Fingerprint uint64
}

// Entry is one path's classification from comparing the two trees.
// Source is nil for deleted entries, Dest is nil for new entries.
type Entry struct {
	RelPath string
	Class   Class
	Source  *Side
	Dest    *Side
}

// Summary terminates a diff stream.
type Summary struct {
	Total    int
	New      int
	Modified int
	Deleted  int
}

// Context names one side of a reconciliation: the backend and the root
// path or key prefix under it.
type Context struct {
	Backend backend.ID
	Root    string
}

// Differ compares two trees and streams one Entry per path seen on either
// side, honoring the exclude glob patterns. Cancel through ctx.
type Differ interface {
	Diff(ctx context.Context, src, dst Context, excludes []string, emit func(Entry) error) (Summary, error)
}

// Direction chooses which side a sync plan treats as authoritative.
type Direction int

const (
	// DirectionPush copies source content over the destination and
	// removes destination-only paths when those entries are selected.
	DirectionPush Direction = iota
	// DirectionPull is the mirror image: destination content wins.
	DirectionPull
)

// Enqueuer accepts the transfers a plan produces. *engine.Scheduler
// satisfies it.
type Enqueuer interface {
	Enqueue(spec engine.Spec) (engine.Snapshot, error)
}

// Deleter removes paths from a backend. *backend.Dispatcher satisfies it.
type Deleter interface {
	Delete(ctx context.Context, id backend.ID, paths []string) error
}

// Plan holds the collected entries of one reconciliation and the
// caller's selection over them.
type Plan struct {
	Src       Context
	Dst       Context
	Direction Direction
	Entries   []Entry
	Summary   Summary

	selected map[int]bool
}

// BuildPlan runs the differ and collects its stream into a plan. The
// default selection covers every entry that differs; identical paths
// start deselected and stay excluded unless selected explicitly.
func BuildPlan(ctx context.Context, d Differ, src, dst Context, excludes []string, dir Direction) (*Plan, error) {
	p := &Plan{
		Src:       src,
		Dst:       dst,
		Direction: dir,
		selected:  make(map[int]bool),
	}
	sum, err := d.Diff(ctx, src, dst, excludes, func(e Entry) error {
		if e.Class != ClassSame {
			p.selected[len(p.Entries)] = true
		}
		p.Entries = append(p.Entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tree comparison failed: %w", err)
	}
	p.Summary = sum
	return p, nil
}

// Select marks the entry at index i for execution.
func (p *Plan) Select(i int) {
	if i >= 0 && i < len(p.Entries) && p.Entries[i].Class != ClassSame {
		p.selected[i] = true
	}
}

// Deselect removes the entry at index i from the selection.
func (p *Plan) Deselect(i int) {
	delete(p.selected, i)
}

// Selected reports whether the entry at index i is in the selection.
func (p *Plan) Selected(i int) bool {
	return p.selected[i]
}

// SelectNone clears the selection.
func (p *Plan) SelectNone() {
	p.selected = make(map[int]bool)
}

// Apply executes the selection: one copy transfer per selected entry the
// authoritative side has content for, and one batched delete covering the
// selected entries the authoritative side lacks. Nothing is deleted
// without its entry being in the selection.
//
// Classes are always relative to source→dest, so under DirectionPull a
// "new" entry is a source-only path the destination says should not
// exist, and a "deleted" entry is destination content to copy back.
func (p *Plan) Apply(ctx context.Context, enq Enqueuer, del Deleter) ([]engine.Snapshot, error) {
	from, to := p.Src, p.Dst
	copies, removes := []Class{ClassNew, ClassModified}, ClassDeleted
	if p.Direction == DirectionPull {
		from, to = p.Dst, p.Src
		copies, removes = []Class{ClassDeleted, ClassModified}, ClassNew
	}

	var snaps []engine.Snapshot
	var removals []string
	var errs []error
	for i, e := range p.Entries {
		if !p.selected[i] {
			continue
		}
		switch {
		case e.Class == copies[0] || e.Class == copies[1]:
			spec := engine.Spec{
				Op:          backend.OpCopy,
				Source:      from.Backend,
				Dest:        to.Backend,
				Sources:     []string{path.Join(from.Root, e.RelPath)},
				Destination: path.Join(to.Root, path.Dir(e.RelPath)),
			}
			snap, err := enq.Enqueue(spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to enqueue %s: %w", e.RelPath, err))
				continue
			}
			snaps = append(snaps, snap)
		case e.Class == removes:
			removals = append(removals, path.Join(to.Root, e.RelPath))
		}
	}

	if len(removals) > 0 {
		if err := del.Delete(ctx, to.Backend, removals); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %d paths: %w", len(removals), err))
		}
	}
	return snaps, errors.Join(errs...)
}
