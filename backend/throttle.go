package backend

import (
	"io"
	"time"
)

// limitReader paces reads to a live bytes-per-second limit. The limit
// function is polled on every read, so a changed global bandwidth setting
// takes effect on in-flight transfers at the next chunk.
type limitReader struct {
	r     io.Reader
	limit func() int64

	start time.Time
	read  int64

	now   func() time.Time
	sleep func(time.Duration)
}

func newLimitReader(r io.Reader, limit func() int64) *limitReader {
	return &limitReader{
		r:     r,
		limit: limit,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

func (lr *limitReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		lr.read += int64(n)
		lr.throttle()
	}
	return n, err
}

// throttle sleeps just long enough that cumulative throughput since the
// first paced read stays at or below the current limit.
func (lr *limitReader) throttle() {
	if lr.limit == nil {
		return
	}
	bps := lr.limit()
	if bps <= 0 {
		return
	}
	now := lr.now()
	if lr.start.IsZero() {
		lr.start = now
		return
	}
	expected := time.Duration(float64(lr.read) / float64(bps) * float64(time.Second))
	elapsed := now.Sub(lr.start)
	if expected > elapsed {
		lr.sleep(expected - elapsed)
	}
}
