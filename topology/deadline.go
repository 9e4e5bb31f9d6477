package topology

import (
	"sync"
	"time"
)

// DefaultDeadline leaves headroom under a five hour CI job limit.
const DefaultDeadline = 5*time.Hour - 5*time.Minute

var (
	deadlineLock       sync.Mutex
	globalDeadline     = DefaultDeadline
	deadlineOverridden bool
)

// SetGlobalDeadline overrides the deadline used by the next Build that does
// not pass one explicitly.  Zero disables the watchdog, a negative value
// restores DefaultDeadline.
func SetGlobalDeadline(seconds int) {
	deadlineLock.Lock()
	defer deadlineLock.Unlock()

	if seconds < 0 {
		globalDeadline = DefaultDeadline
		deadlineOverridden = false
		return
	}

	globalDeadline = time.Duration(seconds) * time.Second
	deadlineOverridden = true
}

func GlobalDeadline() time.Duration {
	deadlineLock.Lock()
	defer deadlineLock.Unlock()

	return globalDeadline
}

func IsDeadlineOverridden() bool {
	deadlineLock.Lock()
	defer deadlineLock.Unlock()

	return deadlineOverridden
}

func resetGlobalDeadline() {
	SetGlobalDeadline(-1)
}
