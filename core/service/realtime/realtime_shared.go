package realtime

import "sync"

var (
	shared     *Supervisor
	sharedOnce sync.Once
)

// Shared returns the process-wide supervisor, building it on first use.
// Later build functions are ignored.
func Shared(build func() *Supervisor) *Supervisor {
	sharedOnce.Do(func() {
		shared = build()
	})
	return shared
}
