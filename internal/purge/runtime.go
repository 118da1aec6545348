package purge

import (
	"sync"
	"time"
)

const (
	initialRuntimeEstimate = 4 * time.Second
	minRuntimeEstimate     = 100 * time.Millisecond
	maxRuntimeEstimate     = 10 * time.Second
)

// runtimeMeasurement keeps a moving estimate of how long one dispatch takes.
type runtimeMeasurement struct {
	mu       sync.Mutex
	estimate time.Duration
}

func newRuntimeMeasurement() *runtimeMeasurement {
	return &runtimeMeasurement{estimate: initialRuntimeEstimate}
}

// record folds a successful measurement into the estimate.
func (m *runtimeMeasurement) record(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimate = clampRuntime((m.estimate + d) / 2)
}

func (m *runtimeMeasurement) current() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate
}

func clampRuntime(d time.Duration) time.Duration {
	if d < minRuntimeEstimate {
		return minRuntimeEstimate
	}
	if d > maxRuntimeEstimate {
		return maxRuntimeEstimate
	}
	return d
}
