package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var _ Remote = (*SFTPRemote)(nil)

// SFTPRemote executes transfers against one SFTP connection. Pauses land
// at file boundaries; the wire protocol offers no part-level resume, so
// checkpoints carry no partial state for this backend.
type SFTPRemote struct {
	client *sftp.Client
	log    *slog.Logger
}

// DialSFTP opens an SSH session to addr (host:port) and starts an SFTP
// subsystem over it.
func DialSFTP(addr, user string, auth []ssh.AuthMethod, hostKey ssh.HostKeyCallback, log *slog.Logger) (*SFTPRemote, error) {
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session on %s: %w", addr, err)
	}
	return &SFTPRemote{client: client, log: log}, nil
}

// NewSFTPRemote wraps an existing SFTP client (used by tests and callers
// that manage the SSH connection themselves).
func NewSFTPRemote(client *sftp.Client, log *slog.Logger) *SFTPRemote {
	return &SFTPRemote{client: client, log: log}
}

// Close shuts down the SFTP session.
func (p *SFTPRemote) Close() error {
	return p.client.Close()
}

// expandRemote resolves remote paths into the flat file list, walking
// directories through the protocol.
func (p *SFTPRemote) expandRemote(paths []string) ([]item, error) {
	var items []item
	for _, root := range paths {
		info, err := p.client.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			items = append(items, item{Src: root, Rel: path.Base(root), Size: info.Size()})
			continue
		}
		base := path.Base(strings.TrimSuffix(root, "/"))
		walker := p.client.Walk(root)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return nil, fmt.Errorf("walk %s: %w", root, err)
			}
			stat := walker.Stat()
			if stat.IsDir() {
				continue
			}
			rel := strings.TrimPrefix(walker.Path(), strings.TrimSuffix(root, "/"))
			rel = strings.TrimPrefix(rel, "/")
			items = append(items, item{
				Src:  walker.Path(),
				Rel:  path.Join(base, rel),
				Size: stat.Size(),
			})
		}
	}
	return items, nil
}

// Download fetches the requested remote paths into the local destination
// directory.
func (p *SFTPRemote) Download(ctx context.Context, req Request) (*Checkpoint, error) {
	items, err := p.expandRemote(req.Sources)
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
		c.begin(it.Src)

		src, err := p.client.Open(it.Src)
		if err != nil {
			return nil, fmt.Errorf("open remote %s: %w", it.Src, err)
		}
		dst := filepath.Join(req.Destination, filepath.FromSlash(it.Rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			src.Close()
			return nil, fmt.Errorf("create destination directory: %w", err)
		}
		f, err := os.Create(dst)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("create %s: %w", dst, err)
		}

		buf := make([]byte, DefaultBufferSize)
		err = copyChunks(ctx, &req, f, newLimitReader(src, req.Bandwidth), buf, c)
		src.Close()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
			return nil, fmt.Errorf("download %s: %w", it.Src, err)
		}

		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

// Upload stores the local sources under the remote destination directory.
func (p *SFTPRemote) Upload(ctx context.Context, req Request) (*Checkpoint, error) {
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
		c.begin(it.Src)

		src, err := os.Open(it.Src)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", it.Src, err)
		}
		dst := path.Join(req.Destination, filepath.ToSlash(it.Rel))
		if err := p.client.MkdirAll(path.Dir(dst)); err != nil {
			src.Close()
			return nil, fmt.Errorf("create remote directory %s: %w", path.Dir(dst), err)
		}
		f, err := p.client.Create(dst)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("create remote %s: %w", dst, err)
		}

		buf := make([]byte, DefaultBufferSize)
		err = copyChunks(ctx, &req, f, newLimitReader(src, req.Bandwidth), buf, c)
		src.Close()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", it.Src, err)
		}

		completed = append(completed, it.Src)
		c.fileDone()
	}
	return nil, nil
}

// Delete removes remote files or directory trees.
func (p *SFTPRemote) Delete(ctx context.Context, paths []string) error {
	for _, root := range paths {
		select {
		case <-ctx.Done():
			return cancelErr(ctx.Err())
		default:
		}
		info, err := p.client.Stat(root)
		if err != nil {
			return fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			if err := p.client.Remove(root); err != nil {
				return fmt.Errorf("remove %s: %w", root, err)
			}
			continue
		}

		// Collect the tree, then remove files first and directories
		// deepest-first.
		var files, dirs []string
		walker := p.client.Walk(root)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return fmt.Errorf("walk %s: %w", root, err)
			}
			if walker.Stat().IsDir() {
				dirs = append(dirs, walker.Path())
			} else {
				files = append(files, walker.Path())
			}
		}
		for _, f := range files {
			if err := p.client.Remove(f); err != nil {
				return fmt.Errorf("remove %s: %w", f, err)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			if err := p.client.RemoveDirectory(d); err != nil {
				return fmt.Errorf("remove directory %s: %w", d, err)
			}
		}
	}
	return nil
}
