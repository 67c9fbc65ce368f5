package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Local executes transfers whose both endpoints are the local filesystem,
// and deletes local paths on behalf of move routes. Copies preserve file
// mode and mtime; moves try an atomic rename first and fall back to
// copy-plus-delete only across filesystem boundaries.
type Local struct {
	buffers *BufferPool
	verify  bool
	log     *slog.Logger
}

// NewLocal creates the local filesystem executor. When verify is set every
// copied file's CRC64 is checked against the source stream.
func NewLocal(bufferSize int, verify bool, log *slog.Logger) *Local {
	return &Local{
		buffers: NewBufferPool(bufferSize),
		verify:  verify,
		log:     log,
	}
}

// Copy transfers the request sources into the destination directory. It
// pauses at file boundaries and skips files a resume checkpoint already
// covers.
func (l *Local) Copy(ctx context.Context, req Request) (*Checkpoint, error) {
	items, err := expandLocal(req.Sources)
	if err != nil {
		return nil, err
	}
	c, todo := seedCounter(&req, items)
	completed := carried(req.Checkpoint)

	for _, it := range todo {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}
		if err := l.copyFile(ctx, &req, it, filepath.Join(req.Destination, it.Rel), c); err != nil {
			return nil, err
		}
		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

func (l *Local) copyFile(ctx context.Context, req *Request, it item, dst string, c *counter) error {
	c.begin(it.Src)

	info, err := os.Stat(it.Src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", it.Src, err)
	}
	src, err := os.Open(it.Src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", it.Src, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("open destination %s: %w", dst, err)
	}

	var reader io.Reader = newLimitReader(src, req.Bandwidth)
	var srcSum *ChecksumReader
	var dstSum *ChecksumWriter
	var writer io.Writer = out
	if l.verify {
		srcSum = NewChecksumReader(reader)
		reader = srcSum
		dstSum = NewChecksumWriter(out)
		writer = dstSum
	}

	buf := l.buffers.Get()
	defer l.buffers.Put(buf)

	if err := copyChunks(ctx, req, writer, reader, *buf, c); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", it.Src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination %s: %w", dst, err)
	}
	if l.verify && srcSum.Checksum() != dstSum.Checksum() {
		return fmt.Errorf("checksum mismatch for %s", it.Src)
	}

	// Writing updated the destination mtime, restore it last.
	if !info.ModTime().IsZero() {
		_ = os.Chtimes(dst, time.Now(), info.ModTime())
	}
	return nil
}

// Move relocates the request sources into the destination directory.
// Each source entry (file or whole directory) is renamed when the
// destination is on the same filesystem; otherwise it is copied and the
// source removed only after the copy fully succeeded. Pauses land between
// source entries.
func (l *Local) Move(ctx context.Context, req Request) (*Checkpoint, error) {
	completed := carried(req.Checkpoint)
	c := &counter{req: &req}
	c.p.FilesTotal = int64(len(req.Sources))
	c.p.FilesDone = int64(len(completed))

	if err := os.MkdirAll(req.Destination, 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	for _, src := range req.Sources {
		if req.Checkpoint.Completed(src) {
			continue
		}
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}

		c.begin(src)
		dst := filepath.Join(req.Destination, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			// Cross-device or similar: copy the entry, then delete.
			if err := l.moveByCopy(ctx, &req, src, c); err != nil {
				return nil, err
			}
		}
		completed = append(completed, src)
		c.fileDone()
	}
	return nil, nil
}

func (l *Local) moveByCopy(ctx context.Context, req *Request, src string, c *counter) error {
	items, err := expandLocal([]string{src})
	if err != nil {
		return err
	}
	// Renamed entries move without byte traffic, so the byte total only
	// grows once an entry actually has to be copied.
	for _, it := range items {
		c.p.BytesTotal += it.Size
	}
	for _, it := range items {
		if err := l.copyFile(ctx, req, it, filepath.Join(req.Destination, it.Rel), c); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove moved source %s: %w", src, err)
	}
	return nil
}

// Delete removes local paths, directories included.
func (l *Local) Delete(ctx context.Context, paths []string) error {
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return cancelErr(ctx.Err())
		default:
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	return nil
}
