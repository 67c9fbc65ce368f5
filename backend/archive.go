package backend

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Extractor executes archive-extract transfers: a read-only archive view
// unpacked into a local destination directory. It is never a move source.
// Supported formats are zip, tar, and gzip-compressed tar, picked by file
// extension.
type Extractor struct {
	path string
	log  *slog.Logger
}

// NewExtractor creates an extractor over the archive at path.
func NewExtractor(path string, log *slog.Logger) *Extractor {
	return &Extractor{path: path, log: log}
}

// selects reports whether an archive entry matches the requested entry
// prefixes. "." selects the whole archive.
func selects(sources []string, name string) bool {
	for _, src := range sources {
		if src == "." || src == "" {
			return true
		}
		src = strings.TrimSuffix(src, "/")
		if name == src || strings.HasPrefix(name, src+"/") {
			return true
		}
	}
	return false
}

// Extract unpacks the selected entries into the destination directory,
// pausing at entry boundaries.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Checkpoint, error) {
	switch {
	case strings.HasSuffix(e.path, ".zip"):
		return e.extractZip(ctx, req)
	case strings.HasSuffix(e.path, ".tar"),
		strings.HasSuffix(e.path, ".tar.gz"),
		strings.HasSuffix(e.path, ".tgz"):
		return e.extractTar(ctx, req)
	}
	return nil, fmt.Errorf("unrecognized archive format: %s", e.path)
}

func (e *Extractor) extractZip(ctx context.Context, req Request) (*Checkpoint, error) {
	r, err := zip.OpenReader(e.path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", e.path, err)
	}
	defer r.Close()

	// The central directory gives totals up front.
	c := &counter{req: &req}
	var todo []*zip.File
	completed := carried(req.Checkpoint)
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !selects(req.Sources, f.Name) {
			continue
		}
		c.p.BytesTotal += int64(f.UncompressedSize64)
		c.p.FilesTotal++
		if req.Checkpoint.Completed(f.Name) {
			c.p.BytesDone += int64(f.UncompressedSize64)
			c.p.FilesDone++
			continue
		}
		todo = append(todo, f)
	}

	for _, f := range todo {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}
		c.begin(f.Name)

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		err = e.writeEntry(ctx, &req, f.Name, rc, c)
		rc.Close()
		if err != nil {
			return nil, err
		}

		completed = append(completed, f.Name)
		c.fileDone()
	}
	return nil, nil
}

func (e *Extractor) extractTar(ctx context.Context, req Request) (*Checkpoint, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", e.path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(e.path, ".gz") || strings.HasSuffix(e.path, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	// Tar has no central directory, so totals grow as entries stream by.
	c := &counter{req: &req}
	completed := carried(req.Checkpoint)
	tr := tar.NewReader(reader)
	for {
		if req.Control.PauseRequested() {
			return c.checkpoint(completed), nil
		}
		if err := req.checked(ctx); err != nil {
			return nil, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive header: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !selects(req.Sources, header.Name) {
			continue
		}

		c.p.BytesTotal += header.Size
		c.p.FilesTotal++
		if req.Checkpoint.Completed(header.Name) {
			c.p.BytesDone += header.Size
			c.p.FilesDone++
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return nil, fmt.Errorf("skip entry %s: %w", header.Name, err)
			}
			continue
		}

		c.begin(header.Name)
		if err := e.writeEntry(ctx, &req, header.Name, tr, c); err != nil {
			return nil, err
		}
		completed = append(completed, header.Name)
		c.fileDone()
	}
	return nil, nil
}

// writeEntry writes one archive entry under the destination, refusing
// entries whose cleaned path would escape it.
func (e *Extractor) writeEntry(ctx context.Context, req *Request, name string, r io.Reader, c *counter) error {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == "/" || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("refusing archive entry with unsafe path: %s", name)
	}
	target := filepath.Join(req.Destination, clean)
	destClean := filepath.Clean(req.Destination)
	if target != destClean && !strings.HasPrefix(target, destClean+string(os.PathSeparator)) {
		return fmt.Errorf("refusing archive entry outside destination: %s", name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	buf := make([]byte, DefaultBufferSize)
	err = copyChunks(ctx, req, f, newLimitReader(r, req.Bandwidth), buf, c)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("extract %s: %w", name, err)
	}
	return nil
}
