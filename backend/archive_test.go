package backend

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to add zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}

	path := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	return path
}

func buildTarGz(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write tar entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("Failed to close gzip: %v", err)
	}

	path := filepath.Join(dir, "bundle.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	return path
}

func TestExtractor_ZipAll(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildZip(t, dir, map[string]string{
		"readme.md":      "hello",
		"docs/guide.md":  "guide",
		"docs/notes.txt": "notes",
	})

	var last Progress
	e := NewExtractor(archive, discardLogger())
	cp, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"."},
		Destination: dst,
		OnProgress:  func(p Progress) { last = p },
		Control:     NewControl(),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if cp != nil {
		t.Fatal("Expected no checkpoint from an unpaused extract")
	}

	if got := readFile(t, filepath.Join(dst, "docs", "guide.md")); got != "guide" {
		t.Errorf("Expected guide, got %q", got)
	}
	if last.FilesDone != 3 || last.FilesTotal != 3 {
		t.Errorf("Expected 3/3 files extracted, got %d/%d", last.FilesDone, last.FilesTotal)
	}
}

func TestExtractor_ZipSelectedPrefix(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildZip(t, dir, map[string]string{
		"readme.md":      "hello",
		"docs/guide.md":  "guide",
		"docs/notes.txt": "notes",
	})

	e := NewExtractor(archive, discardLogger())
	if _, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"docs"},
		Destination: dst,
		Control:     NewControl(),
	}); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "docs", "guide.md")); err != nil {
		t.Errorf("Expected selected entry extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "readme.md")); !os.IsNotExist(err) {
		t.Error("Unselected entry was extracted")
	}
}

func TestExtractor_ZipResumeSkipsCompleted(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildZip(t, dir, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
	})

	e := NewExtractor(archive, discardLogger())
	cp, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"."},
		Destination: dst,
		Checkpoint:  &Checkpoint{FilesCompleted: []string{"a.txt"}, BytesDone: 3, BytesTotal: 6, FilesDone: 1, FilesTotal: 2},
		Control:     NewControl(),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if cp != nil {
		t.Fatal("Expected resumed extract to finish")
	}

	// Only the unfinished entry is written.
	if _, err := os.Stat(filepath.Join(dst, "a.txt")); !os.IsNotExist(err) {
		t.Error("Completed entry was re-extracted")
	}
	if got := readFile(t, filepath.Join(dst, "b.txt")); got != "bbb" {
		t.Errorf("Expected bbb, got %q", got)
	}
}

func TestExtractor_ZipPause(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildZip(t, dir, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
	})

	control := NewControl()
	e := NewExtractor(archive, discardLogger())
	cp, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"."},
		Destination: dst,
		OnProgress:  func(p Progress) { control.RequestPause() },
		Control:     control,
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if cp == nil {
		t.Fatal("Expected a checkpoint from the paused extract")
	}
	if len(cp.FilesCompleted) != 1 {
		t.Errorf("Expected one completed entry at pause, got %v", cp.FilesCompleted)
	}
	if cp.FilesTotal != 2 {
		t.Errorf("Expected 2 total files in checkpoint, got %d", cp.FilesTotal)
	}
}

func TestExtractor_TarGz(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildTarGz(t, dir, map[string]string{
		"data/one.txt": "one",
		"data/two.txt": "two",
	})

	e := NewExtractor(archive, discardLogger())
	cp, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"."},
		Destination: dst,
		Control:     NewControl(),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if cp != nil {
		t.Fatal("Expected no checkpoint from an unpaused extract")
	}

	if got := readFile(t, filepath.Join(dst, "data", "one.txt")); got != "one" {
		t.Errorf("Expected one, got %q", got)
	}
	if got := readFile(t, filepath.Join(dst, "data", "two.txt")); got != "two" {
		t.Errorf("Expected two, got %q", got)
	}
}

func TestExtractor_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	dst := t.TempDir()
	archive := buildZip(t, dir, map[string]string{
		"../evil.txt": "pwned",
	})

	e := NewExtractor(archive, discardLogger())
	_, err := e.Extract(context.Background(), Request{
		Op:          OpExtract,
		Sources:     []string{"."},
		Destination: dst,
		Control:     NewControl(),
	})
	if err == nil {
		t.Fatal("Expected traversal entry to be rejected")
	}
	if _, serr := os.Stat(filepath.Join(filepath.Dir(dst), "evil.txt")); !os.IsNotExist(serr) {
		t.Error("Traversal entry escaped the destination")
	}
}

func TestExtractor_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.rar")
	if err := os.WriteFile(path, []byte("not an archive"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	e := NewExtractor(path, discardLogger())
	if _, err := e.Extract(context.Background(), Request{
		Sources:     []string{"."},
		Destination: dir,
		Control:     NewControl(),
	}); err == nil {
		t.Fatal("Expected an error for an unrecognized format")
	}
}
