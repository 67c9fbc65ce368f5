package backend

import (
	"hash"
	"hash/crc64"
	"io"
)

// ChecksumWriter wraps an io.Writer to compute a CRC64 checksum while
// writing, so local copies can be verified without a second read pass.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash64
	n    int64
}

// NewChecksumWriter creates a ChecksumWriter over the given writer.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{
		w:    w,
		hash: crc64.New(crc64.MakeTable(crc64.ISO)),
	}
}

// Write writes data to the underlying writer and updates the checksum.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cw *ChecksumWriter) Checksum() uint64 {
	return cw.hash.Sum64()
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}

// ChecksumReader wraps an io.Reader to compute a CRC64 checksum while
// reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader creates a ChecksumReader over the given reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: crc64.New(crc64.MakeTable(crc64.ISO)),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}
