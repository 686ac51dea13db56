package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracker is a scoped timing guard: armed when a command enters a
// stage, stopped when the stage completes. Stop observes the elapsed
// time on the backing histogram exactly once.
type Tracker struct {
	Start   time.Time
	obs     prometheus.Observer
	stopped bool
}

func newTracker(obs prometheus.Observer) *Tracker {
	return &Tracker{Start: time.Now(), obs: obs}
}

// TotalTracker arms the end-to-end command timer.
func TotalTracker() *Tracker { return newTracker(totalTimer) }

// RemoteTracker arms the backend round-trip timer.
func RemoteTracker() *Tracker { return newTracker(remoteTimer) }

// Stop records the elapsed time. Safe to call more than once; only the
// first call observes.
func (t *Tracker) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.obs.Observe(time.Since(t.Start).Seconds())
}
