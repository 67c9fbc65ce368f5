package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// item is one concrete file an execution will transfer. Src is the locator
// checkpoints identify it by; Rel is the path it keeps under the
// destination.
type item struct {
	Src  string
	Rel  string
	Size int64
}

// expandLocal resolves local source paths into the flat list of files to
// transfer. Directories are walked iteratively to avoid deep recursion on
// pathological trees.
func expandLocal(sources []string) ([]item, error) {
	var items []item
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("stat source %s: %w", src, err)
		}
		if !info.IsDir() {
			items = append(items, item{Src: src, Rel: filepath.Base(src), Size: info.Size()})
			continue
		}

		base := filepath.Base(src)
		stack := []string{""}
		for len(stack) > 0 {
			rel := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			dir := src
			if rel != "" {
				dir = filepath.Join(src, rel)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("list directory %s: %w", dir, err)
			}
			for _, entry := range entries {
				entryRel := entry.Name()
				if rel != "" {
					entryRel = filepath.Join(rel, entry.Name())
				}
				if entry.IsDir() {
					stack = append(stack, entryRel)
					continue
				}
				fi, err := entry.Info()
				if err != nil {
					continue // disappeared between ReadDir and Info
				}
				items = append(items, item{
					Src:  filepath.Join(src, entryRel),
					Rel:  filepath.Join(base, entryRel),
					Size: fi.Size(),
				})
			}
		}
	}
	return items, nil
}

// counter accumulates cumulative progress for one execution and emits a
// snapshot through the request callback after every mutation.
type counter struct {
	req *Request
	p   Progress
}

// seedCounter totals up the work list and credits files already completed
// by a previous paused execution, so resumed progress starts where the
// checkpoint left off.
func seedCounter(req *Request, items []item) (*counter, []item) {
	c := &counter{req: req}
	var todo []item
	for _, it := range items {
		c.p.BytesTotal += it.Size
		c.p.FilesTotal++
		if req.Checkpoint.Completed(it.Src) {
			c.p.BytesDone += it.Size
			c.p.FilesDone++
			continue
		}
		todo = append(todo, it)
	}
	return c, todo
}

func (c *counter) begin(name string) {
	c.p.CurrentItem = name
	c.req.progress(c.p)
}

func (c *counter) add(n int) {
	c.add64(int64(n))
}

func (c *counter) add64(n int64) {
	if n <= 0 {
		return
	}
	c.p.BytesDone += n
	c.req.progress(c.p)
}

func (c *counter) fileDone() {
	c.p.FilesDone++
	c.req.progress(c.p)
}

// checkpoint freezes the counter state plus the completed set into resume
// state for a paused execution.
func (c *counter) checkpoint(completed []string) *Checkpoint {
	return &Checkpoint{
		FilesCompleted: completed,
		BytesDone:      c.p.BytesDone,
		BytesTotal:     c.p.BytesTotal,
		FilesDone:      c.p.FilesDone,
		FilesTotal:     c.p.FilesTotal,
	}
}

// copyChunks copies src to dst through buf, counting bytes and honoring
// cancellation between chunks.
func copyChunks(ctx context.Context, req *Request, dst io.Writer, src io.Reader, buf []byte, c *counter) error {
	for {
		if err := req.checked(ctx); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			c.add(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// carried returns the list of already-completed sources from a resume
// checkpoint so a new execution can extend it instead of starting over.
func carried(cp *Checkpoint) []string {
	if cp == nil {
		return nil
	}
	return append([]string(nil), cp.FilesCompleted...)
}
