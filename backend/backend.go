// Package backend defines the storage-backend contract for transfer
// execution: backend identifiers, the asynchronous executor primitives,
// checkpoint state, and the dispatcher that routes each transfer to the
// execution path for its backend pair.
package backend

import (
	"context"
	"encoding/json"
)

// Kind tags one of the storage domains a transfer endpoint can live in.
type Kind uint8

const (
	KindLocal Kind = iota
	KindObject
	KindSecure
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindObject:
		return "object"
	case KindSecure:
		return "secure"
	case KindArchive:
		return "archive"
	}
	return "unknown"
}

// ID names a backend endpoint: its storage domain plus the connection the
// dispatcher should address it through. Conn is empty for the local
// filesystem, a registered connection name for remote backends, and the
// archive file path for archive views.
type ID struct {
	Kind Kind   `json:"kind"`
	Conn string `json:"conn,omitempty"`
}

// LocalFS is the identifier of the local filesystem backend.
func LocalFS() ID { return ID{Kind: KindLocal} }

// ObjectConn identifies a registered object-storage connection.
func ObjectConn(name string) ID { return ID{Kind: KindObject, Conn: name} }

// SecureConn identifies a registered secure-remote-filesystem connection.
func SecureConn(name string) ID { return ID{Kind: KindSecure, Conn: name} }

// ArchiveFile identifies a read-only archive view over the given file.
func ArchiveFile(path string) ID { return ID{Kind: KindArchive, Conn: path} }

// Op is the kind of work a transfer performs.
type Op uint8

const (
	OpCopy Op = iota
	OpMove
	OpExtract
)

func (o Op) String() string {
	switch o {
	case OpCopy:
		return "copy"
	case OpMove:
		return "move"
	case OpExtract:
		return "extract"
	}
	return "unknown"
}

// Progress is a point-in-time snapshot of a transfer's cumulative counters.
type Progress struct {
	BytesDone   int64  `json:"bytes_done"`
	BytesTotal  int64  `json:"bytes_total"`
	FilesDone   int64  `json:"files_done"`
	FilesTotal  int64  `json:"files_total"`
	CurrentItem string `json:"current_item,omitempty"`
}

// ProgressFunc receives progress snapshots from an in-flight execution.
// Snapshots for one execution arrive in non-decreasing byte/file order.
type ProgressFunc func(Progress)

// Checkpoint is the serializable resume state returned when an execution
// stops at a safe boundary after a pause request. Partial carries
// backend-specific state (for example an in-progress multipart upload) and
// is round-tripped verbatim back to the same backend on resume.
type Checkpoint struct {
	FilesCompleted []string        `json:"files_completed"`
	BytesDone      int64           `json:"bytes_done"`
	BytesTotal     int64           `json:"bytes_total"`
	FilesDone      int64           `json:"files_done"`
	FilesTotal     int64           `json:"files_total"`
	Partial        json.RawMessage `json:"partial,omitempty"`
}

// Completed reports whether the given source identifier was already fully
// transferred before the checkpoint was taken.
func (c *Checkpoint) Completed(src string) bool {
	if c == nil {
		return false
	}
	for _, done := range c.FilesCompleted {
		if done == src {
			return true
		}
	}
	return false
}

// Request carries everything an executor needs for one transfer execution.
type Request struct {
	// TransferID correlates progress snapshots and control signals with
	// the transfer record that owns this execution.
	TransferID string

	Op     Op
	Source ID
	Dest   ID

	// Sources is the ordered, non-empty list of source locators: paths
	// for local backends, keys or key prefixes for remote backends, entry
	// prefixes for archive extraction ("." selects the whole archive).
	Sources []string

	// Destination is a directory path or key prefix on the destination
	// backend.
	Destination string

	// Checkpoint, when resuming, is the state returned by the previous
	// paused execution. Executors must skip FilesCompleted entries and
	// pick up any Partial state exactly once.
	Checkpoint *Checkpoint

	// Password, when set, selects client-side encryption on backends
	// that support it.
	Password string

	// Bandwidth returns the current global limit in bytes per second,
	// 0 meaning unlimited. Executors poll it live.
	Bandwidth func() int64

	OnProgress ProgressFunc
	Control    *Control
}

func (r *Request) limit() int64 {
	if r.Bandwidth == nil {
		return 0
	}
	return r.Bandwidth()
}

func (r *Request) progress(p Progress) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
}

// checked returns ErrCancelled when the context was cancelled, so executors
// surface cooperative cancellation as the structured error kind.
func (r *Request) checked(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return cancelErr(ctx.Err())
	default:
		return nil
	}
}

// Remote is the primitive contract of a backend that moves bytes between
// its own storage domain and the local filesystem.
type Remote interface {
	// Download transfers remote sources into the local destination
	// directory. It returns (nil, nil) on full success, a checkpoint when
	// a pause request stopped it at a safe boundary, or an error.
	Download(ctx context.Context, req Request) (*Checkpoint, error)

	// Upload transfers local sources under the remote destination prefix
	// with the same result contract as Download.
	Upload(ctx context.Context, req Request) (*Checkpoint, error)

	// Delete removes the given remote keys or key prefixes.
	Delete(ctx context.Context, keys []string) error
}

// Copier is implemented by remotes that can copy entirely within their own
// connection without staging bytes locally.
type Copier interface {
	CopyWithin(ctx context.Context, req Request) (*Checkpoint, error)
}
