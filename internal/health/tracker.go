package health

import (
	"sync/atomic"
	"time"
)

// Status is the coarse health of one provider or of the whole gateway.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ProviderHealth is a point-in-time view of one provider.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Thresholds map a consecutive-failure streak to degraded and down.
type Thresholds struct {
	Degraded int
	Down     int
}

// entry is updated lock-free by many concurrent adapter invocations.
type entry struct {
	failures  atomic.Int64
	lastCheck atomic.Int64 // unix nanos, zero until the first call
}

// Tracker holds one health entry per provider. The provider set is fixed at
// construction, so the map itself is never mutated concurrently.
type Tracker struct {
	thresholds Thresholds
	entries    map[string]*entry
	order      []string
}

func NewTracker(thresholds Thresholds, providers ...string) *Tracker {
	if thresholds.Degraded <= 0 {
		thresholds.Degraded = 3
	}
	if thresholds.Down <= thresholds.Degraded {
		thresholds.Down = thresholds.Degraded + 7
	}
	t := &Tracker{
		thresholds: thresholds,
		entries:    make(map[string]*entry, len(providers)),
		order:      providers,
	}
	for _, p := range providers {
		t.entries[p] = &entry{}
	}
	return t
}

// ReportSuccess resets the provider's failure streak.
func (t *Tracker) ReportSuccess(provider string) {
	e, ok := t.entries[provider]
	if !ok {
		return
	}
	e.failures.Store(0)
	e.lastCheck.Store(time.Now().UnixNano())
}

// ReportFailure extends the provider's failure streak.
func (t *Tracker) ReportFailure(provider string) {
	e, ok := t.entries[provider]
	if !ok {
		return
	}
	e.failures.Add(1)
	e.lastCheck.Store(time.Now().UnixNano())
}

// Provider returns the current health of one provider.
func (t *Tracker) Provider(name string) (ProviderHealth, bool) {
	e, ok := t.entries[name]
	if !ok {
		return ProviderHealth{}, false
	}
	return t.view(name, e), true
}

// Snapshot returns the health of every provider in registration order.
func (t *Tracker) Snapshot() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.view(name, t.entries[name]))
	}
	return out
}

func (t *Tracker) view(name string, e *entry) ProviderHealth {
	failures := int(e.failures.Load())
	status := StatusUp
	switch {
	case failures >= t.thresholds.Down:
		status = StatusDown
	case failures >= t.thresholds.Degraded:
		status = StatusDegraded
	}
	var last time.Time
	if ns := e.lastCheck.Load(); ns > 0 {
		last = time.Unix(0, ns).UTC()
	}
	return ProviderHealth{
		Provider:            name,
		Status:              status,
		LastCheck:           last,
		ConsecutiveFailures: failures,
	}
}
