package health

// SessionCounter exposes the registry figures the reporter aggregates.
type SessionCounter interface {
	ActiveCount() int
	Capacity() int
}

// Report is the full /status payload.
type Report struct {
	Status         Status           `json:"status"`
	ActiveSessions int              `json:"active_sessions"`
	MaxSessions    int              `json:"max_sessions"`
	Providers      []ProviderHealth `json:"providers"`
}

// Reporter derives aggregate gateway health. It never mutates state.
type Reporter struct {
	tracker  *Tracker
	sessions SessionCounter
}

func NewReporter(tracker *Tracker, sessions SessionCounter) *Reporter {
	return &Reporter{tracker: tracker, sessions: sessions}
}

// Overall is up only when every provider is up and the registry has
// headroom; down when any provider is down; degraded otherwise.
func (r *Reporter) Overall() Status {
	status := StatusUp
	for _, p := range r.tracker.Snapshot() {
		switch p.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	if nearCapacity(r.sessions.ActiveCount(), r.sessions.Capacity()) {
		status = StatusDegraded
	}
	return status
}

// StatusReport returns per-provider detail plus registry occupancy.
func (r *Reporter) StatusReport() Report {
	return Report{
		Status:         r.Overall(),
		ActiveSessions: r.sessions.ActiveCount(),
		MaxSessions:    r.sessions.Capacity(),
		Providers:      r.tracker.Snapshot(),
	}
}

// nearCapacity flags the registry at 90% occupancy or above.
func nearCapacity(active, max int) bool {
	if max <= 0 {
		return false
	}
	return active*10 >= max*9
}
