package file

import "time"

// SpeedSampleInterval is the cadence at which the speed of a running transfer
// is recomputed.
const SpeedSampleInterval = 500 * time.Millisecond

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// speedSampler owns the ticker goroutine of one InProgress period. It is
// started on entering InProgress and stopped on leaving it.
type speedSampler struct {
	stop chan struct{}
}

// startSampler runs tick every interval until Stop is called.
func startSampler(interval time.Duration, tick func()) *speedSampler {
	s := &speedSampler{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
	return s
}

// Stop ends the ticker goroutine. It does not wait for an in-flight tick;
// ticks are tagged with a generation so a late one is discarded.
func (s *speedSampler) Stop() {
	close(s.stop)
}

// speedFromDelta converts the bytes moved during one sample interval to
// bytes per second. With the default interval this doubles the delta.
func speedFromDelta(delta uint64, interval time.Duration) uint64 {
	if interval <= 0 {
		interval = SpeedSampleInterval
	}
	if interval == SpeedSampleInterval {
		return 2 * delta
	}
	return uint64(float64(delta) * float64(time.Second) / float64(interval))
}
