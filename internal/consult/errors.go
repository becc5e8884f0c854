package consult

import "errors"

// Failure kinds surfaced to clients in the "kind" field of request_response
// and consultation_error payloads.
const (
	KindNoDoctorAvailable = "no_doctor_available"
	KindDeclined          = "declined"
	KindStaleRequest      = "stale_request"
	KindDuplicateAccept   = "duplicate_accept"
	KindUnknownRoom       = "unknown_room"
	KindInvalidPayload    = "invalid_payload"
	KindNotRegistered     = "not_registered"
	KindNotParticipant    = "not_participant"
	KindRequestPending    = "request_pending"
	KindInviteExpired     = "invite_expired"
	KindDoctorUnavailable = "doctor_unavailable"
	KindIdentityRejected  = "identity_rejected"
)

var (
	ErrNoDoctorAvailable = errors.New("no doctor is currently available")
	ErrStaleRequest      = errors.New("request is no longer pending")
	ErrDuplicateAccept   = errors.New("consultation already accepted")
	ErrUnknownRoom       = errors.New("unknown consultation room")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrNotRegistered     = errors.New("connection is not registered")
	ErrNotParticipant    = errors.New("user is not a participant of this consultation")
	ErrRequestPending    = errors.New("a consultation request is already in progress")
	ErrIdentityRejected  = errors.New("identity rejected")
	ErrUserNotFound      = errors.New("user not found")
)

var kinds = map[error]string{
	ErrNoDoctorAvailable: KindNoDoctorAvailable,
	ErrStaleRequest:      KindStaleRequest,
	ErrDuplicateAccept:   KindDuplicateAccept,
	ErrUnknownRoom:       KindUnknownRoom,
	ErrInvalidPayload:    KindInvalidPayload,
	ErrNotRegistered:     KindNotRegistered,
	ErrNotParticipant:    KindNotParticipant,
	ErrRequestPending:    KindRequestPending,
	ErrIdentityRejected:  KindIdentityRejected,
	ErrUserNotFound:      KindIdentityRejected,
}

// KindOf maps an error returned by the Matchmaker to its wire kind. Unknown
// errors map to the empty string.
func KindOf(err error) string {
	for target, kind := range kinds {
		if errors.Is(err, target) {
			return kind
		}
	}
	return ""
}
