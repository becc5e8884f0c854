package consult

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/auth"
)

const (
	msgNoDoctor          = "No doctor is currently available"
	msgRequestPending    = "A consultation request is already in progress"
	msgDeclined          = "The doctor declined the consultation request"
	msgPatientGone       = "Patient is no longer connected"
	msgDoctorUnavailable = "The doctor is no longer available"
	msgInviteExpired     = "The doctor did not respond in time"
)

// Transport delivers outbound events. Sends are fire-and-forget: a false or
// zero result means the target was gone or its buffer was full.
type Transport interface {
	Send(connID, event string, payload interface{}) bool
	Broadcast(room, event string, payload interface{}) int
	Join(connID, room string)
	Leave(connID, room string)
	CloseRoom(room string)
}

// Metrics receives signaling counters and gauges.
type Metrics interface {
	IncCounter(name, label string)
	SetGauge(name string, value int64)
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, string) {}
func (nopMetrics) SetGauge(string, int64)    {}

// Publisher forwards consultation lifecycle events to systems outside the
// signaling channel. Publish is called with the matchmaker lock held and must
// not block.
type Publisher interface {
	Publish(eventType, subject string, payload interface{}) bool
}

// Lifecycle event types handed to a Publisher.
const (
	LifecycleStarted = "consultation.started"
	LifecycleEnded   = "consultation.ended"
)

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, interface{}) bool { return true }

// Options configures a Matchmaker.
type Options struct {
	Policy    SelectionPolicy
	Directory IdentityDirectory
	// InviteTTL bounds how long a doctor may leave an invite unanswered.
	// Zero disables expiry.
	InviteTTL time.Duration
	// EnforceSubject requires register.userId to match the authenticated
	// subject of the connection, when there is one.
	EnforceSubject bool
	Logger         zerolog.Logger
	Metrics        Metrics
	Publisher      Publisher
}

// Matchmaker pairs patients with doctors and owns the presence registry, the
// pending invites and the session table. Every inbound event is applied as
// one step under mu, so no handler observes another's intermediate state.
type Matchmaker struct {
	mu sync.Mutex

	presence  *Registry
	invites   *InviteTable
	sessions  *SessionTable
	transport Transport

	policy         SelectionPolicy
	directory      IdentityDirectory
	inviteTTL      time.Duration
	enforceSubject bool
	log            zerolog.Logger
	metrics        Metrics
	publisher      Publisher

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewMatchmaker creates a Matchmaker delivering through t.
func NewMatchmaker(t Transport, opts Options) *Matchmaker {
	if opts.Policy == nil {
		opts.Policy = FirstAvailable{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	return &Matchmaker{
		presence:       NewRegistry(),
		invites:        NewInviteTable(),
		sessions:       NewSessionTable(),
		transport:      t,
		policy:         opts.Policy,
		directory:      opts.Directory,
		inviteTTL:      opts.InviteTTL,
		enforceSubject: opts.EnforceSubject,
		log:            opts.Logger.With().Str("component", "matchmaker").Logger(),
		metrics:        opts.Metrics,
		publisher:      opts.Publisher,
		now:            time.Now,
		afterFunc:      time.AfterFunc,
	}
}

// HandleMessage decodes one frame from connID and applies it. Failures are
// reported to the sender where appropriate and never escape.
func (m *Matchmaker) HandleMessage(ctx context.Context, connID string, data []byte) {
	conn := ConnectionID(connID)
	defer m.recoverPanic(conn, "message")

	env, err := DecodeEnvelope(data)
	if err != nil {
		m.metrics.IncCounter("signal.failure", KindOf(err))
		m.rejectPayload(conn, "", err)
		return
	}
	m.metrics.IncCounter("signal.inbound", env.Event)

	// Handlers answer their own failures; only frames that never reach a
	// handler are rejected here.
	handled := true
	switch env.Event {
	case EventRegister:
		var p RegisterPayload
		if err = DecodeData(env, &p); err == nil {
			err = m.Register(ctx, conn, p)
		} else {
			handled = false
		}
	case EventRequestConsultation:
		var p RequestConsultationPayload
		if err = DecodeData(env, &p); err == nil {
			err = m.RequestConsultation(ctx, conn, p)
		} else {
			handled = false
		}
	case EventRespondToRequest:
		var p RespondToRequestPayload
		if err = DecodeData(env, &p); err == nil {
			err = m.RespondToRequest(ctx, conn, p)
		} else {
			handled = false
		}
	case EventEndConsultation:
		var p EndConsultationPayload
		if err = DecodeData(env, &p); err == nil {
			err = m.EndConsultation(ctx, conn, p)
		} else {
			handled = false
		}
	default:
		err = fmt.Errorf("unknown event %q: %w", env.Event, ErrInvalidPayload)
		handled = false
	}
	if !handled {
		m.rejectPayload(conn, "", err)
	}

	if err != nil {
		m.metrics.IncCounter("signal.failure", KindOf(err))
		m.log.Debug().Err(err).
			Str("conn_id", connID).
			Str("event", env.Event).
			Str("kind", KindOf(err)).
			Msg("signal event not applied")
	}
}

// HandleDisconnect runs the cleanup for a closed connection.
func (m *Matchmaker) HandleDisconnect(ctx context.Context, connID string) {
	conn := ConnectionID(connID)
	defer m.recoverPanic(conn, "disconnect")
	m.Disconnect(ctx, conn)
}

// Register binds conn to the announced identity.
func (m *Matchmaker) Register(ctx context.Context, conn ConnectionID, p RegisterPayload) error {
	if err := p.Validate(); err != nil {
		m.rejectPayload(conn, "", err)
		return err
	}
	role, _ := ParseRole(p.Role)
	id := UserIdentity{UserID: p.UserID, Role: role, DisplayName: strings.TrimSpace(p.Name)}

	if m.enforceSubject {
		if sub := auth.UserIDFromContext(ctx); sub != "" && sub != id.UserID {
			err := fmt.Errorf("register as %s with credentials of %s: %w", id.UserID, sub, ErrIdentityRejected)
			m.sendError(conn, "", err, "Identity does not match the authenticated user")
			return err
		}
	}

	// The directory may do I/O, so it is consulted before taking the lock.
	if m.directory != nil {
		known, err := m.directory.LookupUser(ctx, id.UserID)
		if err != nil {
			if !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrIdentityRejected) {
				m.log.Error().Err(err).Str("user_id", id.UserID).Msg("identity lookup failed")
			}
			err = fmt.Errorf("register %s: %v: %w", id.UserID, err, ErrIdentityRejected)
			m.sendError(conn, "", err, "Unknown user")
			return err
		}
		if known.Role != id.Role {
			err := fmt.Errorf("register %s as %s, account role is %s: %w", id.UserID, id.Role, known.Role, ErrIdentityRejected)
			m.sendError(conn, "", err, "Role does not match the account")
			return err
		}
		if id.DisplayName == "" {
			id.DisplayName = known.DisplayName
		}
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// One live connection per user: the newest registration wins.
	for _, other := range m.presence.ConnectionsOf(id.UserID) {
		if other == conn {
			continue
		}
		m.presence.Remove(other)
		for _, s := range m.sessions.FindByParticipant(id.UserID) {
			m.transport.Leave(string(other), string(s.RoomID))
		}
		m.transport.Send(string(other), EventRegistrationSuperseded, RegistrationSuperseded{UserID: id.UserID})
		m.log.Info().Str("conn_id", string(other)).Str("user_id", id.UserID).Msg("registration superseded")
	}

	entry, prev := m.presence.Register(conn, id)
	if prev != nil && prev.UserID != id.UserID {
		for _, s := range m.sessions.FindByParticipant(prev.UserID) {
			m.transport.Leave(string(conn), string(s.RoomID))
		}
		m.releaseUser(*prev)
	}

	for _, s := range m.sessions.FindByParticipant(id.UserID) {
		m.transport.Join(string(conn), string(s.RoomID))
		m.transport.Send(string(conn), EventConsultationResumed, ConsultationResumed{
			RoomID:    s.RoomID,
			PatientID: s.PatientID,
			DoctorID:  s.DoctorID,
		})
	}

	// Pending invites follow the user to the new connection.
	for _, inv := range m.invites.Involving(id.UserID) {
		switch {
		case inv.DoctorID == id.UserID && entry.Role == RoleDoctor:
			inv.DoctorConn = conn
			m.transport.Send(string(conn), EventConsultationRequest, consultationRequest(inv))
		case inv.PatientID == id.UserID:
			inv.PatientConn = conn
		}
	}

	m.updateGauges()
	m.log.Info().
		Str("conn_id", string(conn)).
		Str("user_id", entry.UserID).
		Str("role", string(entry.Role)).
		Msg("user registered")
	return nil
}

// RequestConsultation invites an available doctor on behalf of a patient.
func (m *Matchmaker) RequestConsultation(_ context.Context, conn ConnectionID, p RequestConsultationPayload) error {
	if err := p.Validate(); err != nil {
		m.rejectPayload(conn, "", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	requester, ok := m.presence.Get(conn)
	if !ok {
		err := fmt.Errorf("request for %s: %w", p.PatientID, ErrNotRegistered)
		m.sendError(conn, "", err, "Register before requesting a consultation")
		return err
	}
	if requester.UserID != p.PatientID || requester.Role != RolePatient {
		err := fmt.Errorf("connection registered as %s %s requested for %s: %w", requester.Role, requester.UserID, p.PatientID, ErrInvalidPayload)
		m.rejectPayload(conn, "", err)
		return err
	}

	if m.busy(p.PatientID) {
		m.transport.Send(string(conn), EventRequestResponse, RequestResponse{
			Accepted: false,
			Message:  msgRequestPending,
			Kind:     KindRequestPending,
		})
		return fmt.Errorf("patient %s: %w", p.PatientID, ErrRequestPending)
	}

	var candidates []PresenceEntry
	for _, d := range m.presence.FindByRole(RoleDoctor) {
		if d.UserID == p.PatientID || m.busy(d.UserID) || m.roomTaken(RoomIDFor(p.PatientID, d.UserID)) {
			continue
		}
		candidates = append(candidates, d)
	}

	doctor, ok := m.policy.Select(candidates)
	if !ok {
		m.transport.Send(string(conn), EventRequestResponse, RequestResponse{
			Accepted: false,
			Message:  msgNoDoctor,
			Kind:     KindNoDoctorAvailable,
		})
		m.metrics.IncCounter("consultation.request", "no_doctor")
		return fmt.Errorf("patient %s: %w", p.PatientID, ErrNoDoctorAvailable)
	}

	name := strings.TrimSpace(p.PatientName)
	if name == "" {
		name = requester.DisplayName
	}

	roomID := RoomIDFor(p.PatientID, doctor.UserID)
	inv := &Invite{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		PatientID:   p.PatientID,
		PatientName: name,
		PatientConn: conn,
		DoctorID:    doctor.UserID,
		DoctorConn:  doctor.ConnectionID,
		State:       StateInvited,
		CreatedAt:   m.now(),
	}
	if m.inviteTTL > 0 {
		exp := inv.CreatedAt.Add(m.inviteTTL)
		inv.ExpiresAt = &exp
		id := inv.ID
		inv.timer = m.afterFunc(m.inviteTTL, func() { m.expireInvite(roomID, id) })
	}
	if !m.invites.Add(inv) {
		inv.stopTimer()
		m.transport.Send(string(conn), EventRequestResponse, RequestResponse{
			Accepted: false,
			Message:  msgRequestPending,
			Kind:     KindRequestPending,
		})
		return fmt.Errorf("room %s: %w", roomID, ErrRequestPending)
	}

	m.transport.Send(string(doctor.ConnectionID), EventConsultationRequest, consultationRequest(inv))
	m.metrics.IncCounter("consultation.request", "invited")
	m.updateGauges()
	m.log.Info().
		Str("room_id", string(roomID)).
		Str("patient_id", p.PatientID).
		Str("doctor_id", doctor.UserID).
		Msg("doctor invited")
	return nil
}

// RespondToRequest applies a doctor's accept or decline.
func (m *Matchmaker) RespondToRequest(_ context.Context, conn ConnectionID, p RespondToRequestPayload) error {
	if err := p.Validate(); err != nil {
		m.rejectPayload(conn, p.RoomID, err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	responder, ok := m.presence.Get(conn)
	if !ok {
		err := fmt.Errorf("respond to %s: %w", p.RoomID, ErrNotRegistered)
		m.sendError(conn, p.RoomID, err, "Register before responding to a request")
		return err
	}
	if responder.UserID != p.DoctorID || responder.Role != RoleDoctor {
		err := fmt.Errorf("%s responded for doctor %s: %w", responder.UserID, p.DoctorID, ErrNotParticipant)
		m.sendError(conn, p.RoomID, err, "Only the invited doctor may respond")
		return err
	}

	if s, exists := m.sessions.Get(p.RoomID); exists && s.PatientID == p.PatientID && s.DoctorID == p.DoctorID {
		err := fmt.Errorf("room %s: %w", p.RoomID, ErrDuplicateAccept)
		m.sendError(conn, p.RoomID, err, "Consultation already started")
		return err
	}
	// The room id alone does not identify the pair once user ids contain
	// hyphens, so the invite must name the same patient and doctor.
	inv, pending := m.invites.Get(p.RoomID)
	if !pending || inv.PatientID != p.PatientID || inv.DoctorID != p.DoctorID {
		err := fmt.Errorf("room %s: %w", p.RoomID, ErrStaleRequest)
		m.sendError(conn, p.RoomID, err, "The request is no longer pending")
		return err
	}
	m.invites.Remove(inv)
	defer m.updateGauges()

	patient, ok := m.presence.FindByUserID(p.PatientID)
	if !ok {
		err := fmt.Errorf("room %s: patient %s gone: %w", p.RoomID, p.PatientID, ErrStaleRequest)
		m.sendError(conn, p.RoomID, err, msgPatientGone)
		return err
	}

	if !*p.Accepted {
		m.transport.Send(string(patient.ConnectionID), EventRequestResponse, RequestResponse{
			Accepted: false,
			Message:  msgDeclined,
			Kind:     KindDeclined,
		})
		m.metrics.IncCounter("consultation.response", "declined")
		m.log.Info().Str("room_id", string(p.RoomID)).Msg("consultation declined")
		return nil
	}

	s, err := m.sessions.Create(p.RoomID, p.PatientID, p.DoctorID)
	if err != nil {
		m.sendError(conn, p.RoomID, err, "Consultation already started")
		return err
	}

	m.transport.Join(string(patient.ConnectionID), string(s.RoomID))
	m.transport.Join(string(conn), string(s.RoomID))
	m.transport.Send(string(patient.ConnectionID), EventRequestResponse, RequestResponse{
		Accepted: true,
		RoomID:   s.RoomID,
	})
	m.transport.Send(string(conn), EventConsultationStarted, ConsultationStarted{RoomID: s.RoomID})

	m.metrics.IncCounter("consultation.response", "accepted")
	m.publish(LifecycleStarted, s)
	m.log.Info().
		Str("room_id", string(s.RoomID)).
		Str("patient_id", s.PatientID).
		Str("doctor_id", s.DoctorID).
		Msg("consultation started")
	return nil
}

// EndConsultation tears down a live session at a participant's request.
// Ending an unknown room is a silent no-op.
func (m *Matchmaker) EndConsultation(_ context.Context, conn ConnectionID, p EndConsultationPayload) error {
	if err := p.Validate(); err != nil {
		m.rejectPayload(conn, "", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions.Get(p.RoomID)
	if !ok {
		return fmt.Errorf("room %s: %w", p.RoomID, ErrUnknownRoom)
	}

	caller, ok := m.presence.Get(conn)
	if !ok || !s.HasParticipant(caller.UserID) {
		err := fmt.Errorf("end %s: %w", p.RoomID, ErrNotParticipant)
		m.sendError(conn, p.RoomID, err, "Only participants may end the consultation")
		return err
	}

	m.endSession(s.RoomID, ReasonEnded)
	m.updateGauges()
	return nil
}

// Disconnect removes conn's presence and tears down everything its user was
// part of. Connections that never registered, or were superseded, leave no
// state behind.
func (m *Matchmaker) Disconnect(_ context.Context, conn ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.presence.Remove(conn)
	if !ok {
		return
	}
	m.releaseUser(entry)
	m.updateGauges()
	m.log.Info().Str("conn_id", string(conn)).Str("user_id", entry.UserID).Msg("user disconnected")
}

// releaseUser withdraws pending invites and ends sessions of a user who no
// longer has a connection. Callers hold mu.
func (m *Matchmaker) releaseUser(entry PresenceEntry) {
	if _, still := m.presence.FindByUserID(entry.UserID); still {
		return
	}

	for _, inv := range m.invites.Involving(entry.UserID) {
		if !m.invites.Remove(inv) {
			continue
		}
		if inv.PatientID == entry.UserID {
			m.sendToUser(inv.DoctorID, EventRequestCancelled, RequestCancelled{
				RoomID:    inv.RoomID,
				PatientID: inv.PatientID,
				Reason:    ReasonPatientDisconnected,
			})
		} else {
			m.sendToUser(inv.PatientID, EventRequestResponse, RequestResponse{
				Accepted: false,
				Message:  msgDoctorUnavailable,
				Kind:     KindDoctorUnavailable,
			})
		}
	}

	for _, s := range m.sessions.FindByParticipant(entry.UserID) {
		m.endSession(s.RoomID, ReasonParticipantDisconnected)
	}
}

func (m *Matchmaker) expireInvite(roomID RoomID, inviteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invites.Get(roomID)
	if !ok || inv.ID != inviteID || !m.invites.Remove(inv) {
		return
	}

	m.sendToUser(inv.PatientID, EventRequestResponse, RequestResponse{
		Accepted: false,
		Message:  msgInviteExpired,
		Kind:     KindInviteExpired,
	})
	m.sendToUser(inv.DoctorID, EventRequestCancelled, RequestCancelled{
		RoomID:    roomID,
		PatientID: inv.PatientID,
		Reason:    ReasonExpired,
	})
	m.metrics.IncCounter("consultation.request", "expired")
	m.updateGauges()
	m.log.Info().Str("room_id", string(roomID)).Msg("invite expired")
}

// endSession deletes the session and notifies whoever is left in its room.
// Callers hold mu.
func (m *Matchmaker) endSession(roomID RoomID, reason string) {
	s, ok := m.sessions.End(roomID)
	if !ok {
		return
	}
	m.transport.Broadcast(string(roomID), EventConsultationEnded, ConsultationEnded{RoomID: roomID, Reason: reason})
	m.transport.CloseRoom(string(roomID))

	m.metrics.IncCounter("consultation.ended", reason)
	s.Reason = reason
	m.publish(LifecycleEnded, s)
	m.log.Info().
		Str("room_id", string(roomID)).
		Str("reason", reason).
		Dur("duration", s.EndedAt.Sub(s.StartedAt)).
		Msg("consultation ended")
}

func (m *Matchmaker) publish(eventType string, s Session) {
	if !m.publisher.Publish(eventType, string(s.RoomID), s) {
		m.log.Warn().Str("room_id", string(s.RoomID)).Str("event", eventType).Msg("lifecycle event dropped")
	}
}

// roomTaken reports whether roomID already belongs to a pending invite or a
// live session, possibly of another pair.
func (m *Matchmaker) roomTaken(roomID RoomID) bool {
	if _, ok := m.invites.Get(roomID); ok {
		return true
	}
	_, ok := m.sessions.Get(roomID)
	return ok
}

// busy reports whether userID has a pending invite or a live session.
func (m *Matchmaker) busy(userID string) bool {
	return len(m.invites.Involving(userID)) > 0 || len(m.sessions.FindByParticipant(userID)) > 0
}

func consultationRequest(inv *Invite) ConsultationRequest {
	out := ConsultationRequest{PatientID: inv.PatientID, PatientName: inv.PatientName, RoomID: inv.RoomID}
	if inv.ExpiresAt != nil {
		out.ExpiresAt = inv.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (m *Matchmaker) sendToUser(userID, event string, payload interface{}) {
	e, ok := m.presence.FindByUserID(userID)
	if !ok {
		m.log.Debug().Str("user_id", userID).Str("event", event).Msg("recipient offline, dropping")
		return
	}
	m.transport.Send(string(e.ConnectionID), event, payload)
}

func (m *Matchmaker) sendError(conn ConnectionID, roomID RoomID, err error, message string) {
	m.transport.Send(string(conn), EventConsultationError, ConsultationError{
		Kind:    KindOf(err),
		RoomID:  roomID,
		Message: message,
	})
}

func (m *Matchmaker) rejectPayload(conn ConnectionID, roomID RoomID, err error) {
	m.log.Warn().Err(err).Str("conn_id", string(conn)).Msg("malformed signal payload")
	m.sendError(conn, roomID, err, err.Error())
}

func (m *Matchmaker) recoverPanic(conn ConnectionID, what string) {
	if r := recover(); r != nil {
		var stack [4096]byte
		n := runtime.Stack(stack[:], false)
		m.log.Error().
			Str("conn_id", string(conn)).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", string(stack[:n])).
			Msgf("panic recovered handling %s", what)
	}
}

func (m *Matchmaker) updateGauges() {
	m.metrics.SetGauge("presence.connections", int64(m.presence.Len()))
	m.metrics.SetGauge("consultation.sessions.live", int64(m.sessions.Len()))
	m.metrics.SetGauge("consultation.invites.pending", int64(m.invites.Len()))
}

// -- Read-only views --

// Sessions returns a snapshot of live sessions.
func (m *Matchmaker) Sessions() []Session { return m.sessions.List() }

// Session returns the live session for roomID.
func (m *Matchmaker) Session(roomID RoomID) (Session, bool) { return m.sessions.Get(roomID) }

// Presence returns a snapshot of registered connections.
func (m *Matchmaker) Presence() []PresenceEntry { return m.presence.List() }

// PresenceCounts returns registered connections per role.
func (m *Matchmaker) PresenceCounts() map[Role]int { return m.presence.CountByRole() }

// PendingInvites returns the number of unanswered invites.
func (m *Matchmaker) PendingInvites() int { return m.invites.Len() }
