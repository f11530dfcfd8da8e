package core

import "sync"

// The cron engine invokes plain functions, not methods bound to a particular
// Scheduler. Fires are routed through a process-wide table keyed by the
// backing store's identity token, so independent Scheduler instances pointed
// at different stores (for example under test) cannot cross-fire each other's
// jobs. The table holds lookup references only; entries are removed on
// Shutdown.
var (
	dispatchMu sync.RWMutex
	dispatch   = map[string]*Scheduler{}
)

func registerDispatch(token string, s *Scheduler) {
	dispatchMu.Lock()
	defer dispatchMu.Unlock()
	dispatch[token] = s
}

func unregisterDispatch(token string) {
	dispatchMu.Lock()
	defer dispatchMu.Unlock()
	delete(dispatch, token)
}

// fireSchedule is the free function handed to the timer engine. It resolves
// the owning Scheduler by token and delegates; a missing entry (shutdown
// raced a late fire) is a no-op.
func fireSchedule(token, scheduleID string) {
	dispatchMu.RLock()
	s := dispatch[token]
	dispatchMu.RUnlock()
	if s == nil {
		return
	}
	s.handleFire(scheduleID)
}
