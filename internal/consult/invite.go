package consult

import (
	"sync"
	"time"
)

// Invite is a consultation request that has been offered to a doctor and is
// waiting for an answer.
type Invite struct {
	ID          string       `json:"id"`
	RoomID      RoomID       `json:"roomId"`
	PatientID   string       `json:"patientId"`
	PatientName string       `json:"patientName"`
	PatientConn ConnectionID `json:"-"`
	DoctorID    string       `json:"doctorId"`
	DoctorConn  ConnectionID `json:"-"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`

	timer *time.Timer
}

// stopTimer disarms the expiry timer, if any.
func (inv *Invite) stopTimer() {
	if inv.timer != nil {
		inv.timer.Stop()
	}
}

// InviteTable tracks pending invites keyed by room.
type InviteTable struct {
	mu      sync.Mutex
	invites map[RoomID]*Invite
}

// NewInviteTable creates an empty invite table.
func NewInviteTable() *InviteTable {
	return &InviteTable{invites: make(map[RoomID]*Invite)}
}

// Add stores inv. It reports false if the room already has a pending invite.
func (t *InviteTable) Add(inv *Invite) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.invites[inv.RoomID]; exists {
		return false
	}
	t.invites[inv.RoomID] = inv
	return true
}

// Get returns the pending invite for roomID.
func (t *InviteTable) Get(roomID RoomID) (*Invite, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invites[roomID]
	return inv, ok
}

// Remove deletes inv if it is still the pending invite for its room, stopping
// its expiry timer. It reports whether anything was removed.
func (t *InviteTable) Remove(inv *Invite) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.invites[inv.RoomID]; !ok || cur != inv {
		return false
	}
	delete(t.invites, inv.RoomID)
	inv.stopTimer()
	return true
}

// Involving returns every pending invite where userID is the patient or the
// doctor.
func (t *InviteTable) Involving(userID string) []*Invite {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Invite
	for _, inv := range t.invites {
		if inv.PatientID == userID || inv.DoctorID == userID {
			out = append(out, inv)
		}
	}
	return out
}

// Len returns the number of pending invites.
func (t *InviteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.invites)
}
