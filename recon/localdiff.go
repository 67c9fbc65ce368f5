package recon

import (
	"context"
	"fmt"
	"hash/crc64"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// LocalDiffer compares two local directory trees. A path present on both
// sides is classified by size first, then by modification time, and only
// when the timestamps disagree are both files fingerprinted to settle it.
type LocalDiffer struct{}

func (LocalDiffer) Diff(ctx context.Context, src, dst Context, excludes []string, emit func(Entry) error) (Summary, error) {
	srcSides, err := walkTree(ctx, src.Root, excludes)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to walk source tree: %w", err)
	}
	dstSides, err := walkTree(ctx, dst.Root, excludes)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to walk destination tree: %w", err)
	}

	paths := make([]string, 0, len(srcSides)+len(dstSides))
	for p := range srcSides {
		paths = append(paths, p)
	}
	for p := range dstSides {
		if _, ok := srcSides[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var sum Summary
	for _, rel := range paths {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		default:
		}

		s, inSrc := srcSides[rel]
		d, inDst := dstSides[rel]
		e := Entry{RelPath: rel}
		switch {
		case inSrc && !inDst:
			e.Class = ClassNew
			e.Source = s
			sum.New++
		case !inSrc && inDst:
			e.Class = ClassDeleted
			e.Dest = d
			sum.Deleted++
		default:
			e.Source, e.Dest = s, d
			cl, err := classifyPair(src.Root, dst.Root, rel, s, d)
			if err != nil {
				return sum, err
			}
			e.Class = cl
			if cl == ClassModified {
				sum.Modified++
			}
		}
		sum.Total++
		if err := emit(e); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func classifyPair(srcRoot, dstRoot, rel string, s, d *Side) (Class, error) {
	if s.Size != d.Size {
		return ClassModified, nil
	}
	if s.ModTime == d.ModTime {
		return ClassSame, nil
	}
	// Same size, different mtime: settle by content fingerprint.
	var err error
	if s.Fingerprint, err = fingerprint(filepath.Join(srcRoot, filepath.FromSlash(rel))); err != nil {
		return "", err
	}
	if d.Fingerprint, err = fingerprint(filepath.Join(dstRoot, filepath.FromSlash(rel))); err != nil {
		return "", err
	}
	if s.Fingerprint != d.Fingerprint {
		return ClassModified, nil
	}
	return ClassSame, nil
}

// walkTree indexes every regular file under root by slash-separated
// relative path, skipping paths matched by the exclude patterns.
func walkTree(ctx context.Context, root string, excludes []string) (map[string]*Side, error) {
	sides := make(map[string]*Side)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sides[rel] = &Side{
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sides, nil
}

// excluded matches a pattern against the full relative path and against
// the base name, so "*.tmp" skips temp files anywhere in the tree.
func excluded(rel string, excludes []string) bool {
	base := path.Base(rel)
	for _, pat := range excludes {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

var fingerprintTable = crc64.MakeTable(crc64.ISO)

func fingerprint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := crc64.New(fingerprintTable)
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}
	return h.Sum64(), nil
}
