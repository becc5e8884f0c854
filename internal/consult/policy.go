package consult

import (
	"fmt"
	"sync"
)

// SelectionPolicy picks the doctor to invite from the available candidates.
// Candidates arrive in registration order and never include busy doctors.
type SelectionPolicy interface {
	Select(candidates []PresenceEntry) (PresenceEntry, bool)
}

// FirstAvailable invites the earliest-registered available doctor. It makes
// no fairness guarantee.
type FirstAvailable struct{}

func (FirstAvailable) Select(candidates []PresenceEntry) (PresenceEntry, bool) {
	if len(candidates) == 0 {
		return PresenceEntry{}, false
	}
	return candidates[0], true
}

// RoundRobin rotates through doctors by user id, starting after the doctor
// it picked last.
type RoundRobin struct {
	mu   sync.Mutex
	last string
}

func (p *RoundRobin) Select(candidates []PresenceEntry) (PresenceEntry, bool) {
	if len(candidates) == 0 {
		return PresenceEntry{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := 0
	for i, c := range candidates {
		if c.UserID == p.last {
			next = (i + 1) % len(candidates)
			break
		}
	}
	picked := candidates[next]
	p.last = picked.UserID
	return picked, true
}

// PolicyByName resolves the MATCH_POLICY setting.
func PolicyByName(name string) (SelectionPolicy, error) {
	switch name {
	case "", "first-available":
		return FirstAvailable{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	}
	return nil, fmt.Errorf("unknown match policy %q", name)
}
