package throttle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const chunkSize = 80 * 1024

type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

type Progress struct {
	Transferred int64
	Total       int64
	// Speed is in bytes per second, sampled about once a second.
	Speed float64
	ETA   time.Duration
}

type ProgressFunc func(Progress)

// Limiter throttles byte copies to a per-direction rate by delaying between
// chunks until the elapsed time catches up with bytes/limit.
type Limiter struct {
	mu     sync.Mutex
	limits [2]int64
	speeds [2]float64
}

func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) SetUploadLimit(bytesPerSecond int64) {
	l.setLimit(Upload, bytesPerSecond)
}

func (l *Limiter) SetDownloadLimit(bytesPerSecond int64) {
	l.setLimit(Download, bytesPerSecond)
}

func (l *Limiter) setLimit(dir Direction, bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[dir] = bytesPerSecond
}

func (l *Limiter) Limit(dir Direction) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[dir]
}

func (l *Limiter) CurrentSpeed(dir Direction) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speeds[dir]
}

func (l *Limiter) ResetLimits() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = [2]int64{}
	l.speeds = [2]float64{}
}

func (l *Limiter) setSpeed(dir Direction, v float64) {
	l.mu.Lock()
	l.speeds[dir] = v
	l.mu.Unlock()
}

// CopyFile copies src to dst honoring the limit for dir. A partially
// written destination is removed when the copy fails or is cancelled.
func (l *Limiter) CopyFile(ctx context.Context, src, dst string, dir Direction, progress ProgressFunc) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}

	n, err := l.Copy(ctx, out, in, info.Size(), dir, progress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close destination: %w", cerr)
	}
	if err != nil {
		os.Remove(dst)
		return n, err
	}
	return n, nil
}

// Copy streams r into w. With no limit set for dir no delay is injected.
func (l *Limiter) Copy(ctx context.Context, w io.Writer, r io.Reader, total int64, dir Direction, progress ProgressFunc) (int64, error) {
	limit := l.Limit(dir)
	buf := make([]byte, chunkSize)
	start := time.Now()
	lastSample := start
	var lastBytes, written int64
	var primed bool
	var sample rate.Sometimes
	sample.Interval = time.Second

	defer l.setSpeed(dir, 0)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write: %w", err)
			}
			written += int64(n)

			if limit > 0 {
				expected := time.Duration(float64(written) / float64(limit) * float64(time.Second))
				if delay := expected - time.Since(start); delay > 0 {
					if err := sleep(ctx, delay); err != nil {
						return written, err
					}
				}
			}

			// The first Do only primes the sampling window.
			sample.Do(func() {
				now := time.Now()
				if elapsed := now.Sub(lastSample).Seconds(); primed && elapsed > 0 {
					speed := float64(written-lastBytes) / elapsed
					l.setSpeed(dir, speed)
					if progress != nil {
						p := Progress{Transferred: written, Total: total, Speed: speed}
						if speed > 0 && total > written {
							p.ETA = time.Duration(float64(total-written) / speed * float64(time.Second))
						}
						progress(p)
					}
				}
				lastSample = now
				lastBytes = written
				primed = true
			})
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read: %w", rerr)
		}
	}

	if progress != nil {
		var speed float64
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			speed = float64(written) / elapsed
		}
		progress(Progress{Transferred: written, Total: total, Speed: speed})
	}
	return written, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
