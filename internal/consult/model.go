package consult

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionID identifies one live signaling connection. It is assigned by the
// transport and is only meaningful while the connection is open.
type ConnectionID string

// RoomID identifies a potential or live consultation between one patient and
// one doctor. It doubles as the media room key.
type RoomID string

// Role is the announced role of a connected user.
type Role string

const (
	RoleDoctor  Role = "Doctor"
	RolePatient Role = "Patient"
)

// ParseRole accepts any casing of "doctor" or "patient".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "doctor":
		return RoleDoctor, nil
	case "patient":
		return RolePatient, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// UserIdentity is what a connection announces on register.
type UserIdentity struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"name"`
}

// PresenceEntry binds a connection to the identity it registered.
type PresenceEntry struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserIdentity
	RegisteredAt time.Time `json:"registeredAt"`

	seq uint64
}

// SessionState tracks where a consultation attempt is in its lifecycle.
type SessionState string

const (
	StateRequested SessionState = "Requested"
	StateInvited   SessionState = "Invited"
	StateAccepted  SessionState = "Accepted"
	StateEnded     SessionState = "Ended"
)

// Session is an accepted, in-progress consultation.
type Session struct {
	RoomID    RoomID       `json:"roomId"`
	PatientID string       `json:"patientId"`
	DoctorID  string       `json:"doctorId"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// HasParticipant reports whether userID is the patient or the doctor.
func (s Session) HasParticipant(userID string) bool {
	return s.PatientID == userID || s.DoctorID == userID
}

// Counterpart returns the other participant's user id.
func (s Session) Counterpart(userID string) string {
	if s.PatientID == userID {
		return s.DoctorID
	}
	return s.PatientID
}

// RoomIDFor derives the room for a patient/doctor pair.
func RoomIDFor(patientID, doctorID string) RoomID {
	return RoomID("consultation-" + patientID + "-" + doctorID)
}
