package consult

import (
	"sort"
	"sync"
	"time"
)

// Registry maps live connections to the identity each one registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[ConnectionID]*PresenceEntry
	seq     uint64
	now     func() time.Time
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ConnectionID]*PresenceEntry),
		now:     time.Now,
	}
}

// Register inserts or overwrites the entry for conn. When conn was already
// registered the previous entry is returned. Re-registering keeps the
// connection's original position in discovery order.
func (r *Registry) Register(conn ConnectionID, id UserIdentity) (PresenceEntry, *PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *PresenceEntry
	seq := r.seq + 1
	if old, ok := r.entries[conn]; ok {
		cp := *old
		previous = &cp
		seq = old.seq
	} else {
		r.seq = seq
	}

	entry := &PresenceEntry{
		ConnectionID: conn,
		UserIdentity: id,
		RegisteredAt: r.now(),
		seq:          seq,
	}
	r.entries[conn] = entry
	return *entry, previous
}

// Remove deletes the entry for conn.
func (r *Registry) Remove(conn ConnectionID) (PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[conn]
	if !ok {
		return PresenceEntry{}, false
	}
	delete(r.entries, conn)
	return *entry, true
}

// Get returns the entry registered by conn.
func (r *Registry) Get(conn ConnectionID) (PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[conn]
	if !ok {
		return PresenceEntry{}, false
	}
	return *entry, true
}

// FindByRole returns every entry with the given role, earliest registration
// first.
func (r *Registry) FindByRole(role Role) []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PresenceEntry
	for _, e := range r.entries {
		if e.Role == role {
			out = append(out, *e)
		}
	}
	sortBySeq(out)
	return out
}

// FindByUserID returns the live entry for an application-level user id. If
// several connections claim the same user the newest connection wins.
func (r *Registry) FindByUserID(userID string) (PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *PresenceEntry
	for _, e := range r.entries {
		if e.UserID == userID && (found == nil || e.seq > found.seq) {
			found = e
		}
	}
	if found == nil {
		return PresenceEntry{}, false
	}
	return *found, true
}

// ConnectionsOf returns every connection currently registered as userID.
func (r *Registry) ConnectionsOf(userID string) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for conn, e := range r.entries {
		if e.UserID == userID {
			out = append(out, conn)
		}
	}
	return out
}

// List returns a snapshot of all entries in registration order.
func (r *Registry) List() []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PresenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sortBySeq(out)
	return out
}

// CountByRole returns the number of live entries per role.
func (r *Registry) CountByRole() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Role]int{RoleDoctor: 0, RolePatient: 0}
	for _, e := range r.entries {
		counts[e.Role]++
	}
	return counts
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortBySeq(entries []PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
}
