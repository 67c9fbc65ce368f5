package backend

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestLimitReader_PacesToLimit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)

	var slept time.Duration
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lr := newLimitReader(bytes.NewReader(data), func() int64 { return 1024 })
	lr.now = func() time.Time { return now }
	lr.sleep = func(d time.Duration) {
		slept += d
		now = now.Add(d)
	}

	buf := make([]byte, 1024)
	for {
		_, err := lr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	// 4096 bytes at 1024 B/s from a zero-time start: the reader must
	// have slept for the full pacing window.
	if slept < 3*time.Second || slept > 5*time.Second {
		t.Errorf("Expected roughly 4s of pacing sleep, got %v", slept)
	}
}

func TestLimitReader_UnlimitedNeverSleeps(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)

	lr := newLimitReader(bytes.NewReader(data), func() int64 { return 0 })
	lr.sleep = func(d time.Duration) {
		t.Errorf("Unexpected sleep of %v with no limit set", d)
	}

	if _, err := io.Copy(io.Discard, lr); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
}

func TestLimitReader_PollsLiveLimit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 3072)

	limit := int64(0)
	var slept time.Duration
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lr := newLimitReader(bytes.NewReader(data), func() int64 { return limit })
	lr.now = func() time.Time { return now }
	lr.sleep = func(d time.Duration) {
		slept += d
		now = now.Add(d)
	}

	buf := make([]byte, 1024)
	if _, err := lr.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if slept != 0 {
		t.Fatalf("Expected no sleep while unlimited, got %v", slept)
	}

	// Tightening the limit mid-stream takes effect on later reads: the
	// first paced read only anchors the pacing window.
	limit = 1024
	if _, err := lr.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := lr.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if slept == 0 {
		t.Error("Expected pacing sleep after the limit tightened")
	}
}
