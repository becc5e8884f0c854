package consult

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SessionTable holds accepted consultations keyed by room.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[RoomID]*Session
	now      func() time.Time
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[RoomID]*Session),
		now:      time.Now,
	}
}

// Create stores an Accepted session for the pair. A live session for the
// same room is never overwritten.
func (t *SessionTable) Create(roomID RoomID, patientID, doctorID string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[roomID]; exists {
		return Session{}, fmt.Errorf("room %s: %w", roomID, ErrDuplicateAccept)
	}
	s := &Session{
		RoomID:    roomID,
		PatientID: patientID,
		DoctorID:  doctorID,
		State:     StateAccepted,
		StartedAt: t.now(),
	}
	t.sessions[roomID] = s
	return *s, nil
}

// Get returns the live session for roomID.
func (t *SessionTable) Get(roomID RoomID) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// End removes the session and returns its final, Ended, record.
func (t *SessionTable) End(roomID RoomID) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	delete(t.sessions, roomID)

	ended := *s
	endedAt := t.now()
	ended.State = StateEnded
	ended.EndedAt = &endedAt
	return ended, true
}

// FindByParticipant returns every live session where userID is the patient
// or the doctor.
func (t *SessionTable) FindByParticipant(userID string) []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Session
	for _, s := range t.sessions {
		if s.HasParticipant(userID) {
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out
}

// List returns all live sessions, oldest first.
func (t *SessionTable) List() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	sortSessions(out)
	return out
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].RoomID < s[j].RoomID
		}
		return s[i].StartedAt.Before(s[j].StartedAt)
	})
}
