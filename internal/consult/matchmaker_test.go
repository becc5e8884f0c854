package consult

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type frame struct {
	conn    string
	event   string
	payload interface{}
}

// fakeTransport records every delivery and models room membership.
type fakeTransport struct {
	mu     sync.Mutex
	frames []frame
	rooms  map[string]map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rooms: make(map[string]map[string]bool)}
}

func (f *fakeTransport) Send(conn, event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame{conn, event, payload})
	return true
}

func (f *fakeTransport) Broadcast(room, event string, payload interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for conn := range f.rooms[room] {
		f.frames = append(f.frames, frame{conn, event, payload})
		n++
	}
	return n
}

func (f *fakeTransport) Join(conn, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]bool)
	}
	f.rooms[room][conn] = true
}

func (f *fakeTransport) Leave(conn, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[room], conn)
}

func (f *fakeTransport) CloseRoom(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, room)
}

func (f *fakeTransport) inRoom(conn, room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[room][conn]
}

// framesFor returns what conn received for event, in order.
func (f *fakeTransport) framesFor(conn, event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, fr := range f.frames {
		if fr.conn == conn && fr.event == event {
			out = append(out, fr.payload)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []func()
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, fn)
	c.delays = append(c.delays, d)
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// fire runs the i-th scheduled callback as if its timer elapsed.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	fn := c.timers[i]
	c.mu.Unlock()
	fn()
}

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: make(map[string]int), gauges: make(map[string]int64)}
}

func (m *fakeMetrics) IncCounter(name, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+"|"+label]++
}

func (m *fakeMetrics) SetGauge(name string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = v
}

func (m *fakeMetrics) counter(name, label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name+"|"+label]
}

func (m *fakeMetrics) gauge(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

type harness struct {
	mm      *Matchmaker
	tr      *fakeTransport
	clock   *fakeClock
	metrics *fakeMetrics
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		metrics: newFakeMetrics(),
	}
	opts.Logger = zerolog.Nop()
	if opts.Metrics == nil {
		opts.Metrics = h.metrics
	}
	h.mm = NewMatchmaker(h.tr, opts)
	h.mm.now = h.clock.Now
	h.mm.afterFunc = h.clock.AfterFunc
	return h
}

var ctx = context.Background()

func (h *harness) register(t *testing.T, conn, user string, role Role) {
	t.Helper()
	if err := h.mm.Register(ctx, ConnectionID(conn), RegisterPayload{UserID: user, Role: string(role)}); err != nil {
		t.Fatalf("register %s as %s: %v", conn, user, err)
	}
}

func (h *harness) request(conn, patient string) error {
	return h.mm.RequestConsultation(ctx, ConnectionID(conn), RequestConsultationPayload{PatientID: patient})
}

func (h *harness) respond(conn, patient, doctor string, accepted bool) error {
	return h.mm.RespondToRequest(ctx, ConnectionID(conn), RespondToRequestPayload{
		Accepted:  &accepted,
		PatientID: patient,
		DoctorID:  doctor,
		RoomID:    RoomIDFor(patient, doctor),
	})
}

func (h *harness) end(conn string, room RoomID) error {
	return h.mm.EndConsultation(ctx, ConnectionID(conn), EndConsultationPayload{RoomID: room})
}

func lastResponse(t *testing.T, tr *fakeTransport, conn string) RequestResponse {
	t.Helper()
	got := tr.framesFor(conn, EventRequestResponse)
	if len(got) == 0 {
		t.Fatalf("%s received no request_response", conn)
	}
	return got[len(got)-1].(RequestResponse)
}

func lastError(t *testing.T, tr *fakeTransport, conn string) ConsultationError {
	t.Helper()
	got := tr.framesFor(conn, EventConsultationError)
	if len(got) == 0 {
		t.Fatalf("%s received no consultation_error", conn)
	}
	return got[len(got)-1].(ConsultationError)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenarioA_RequestAndAccept(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("request: %v", err)
	}
	invites := h.tr.framesFor("c-d", EventConsultationRequest)
	if len(invites) != 1 {
		t.Fatalf("expected one invite, got %d", len(invites))
	}
	inv := invites[0].(ConsultationRequest)
	if inv.RoomID != "consultation-P-D" || inv.PatientID != "P" {
		t.Fatalf("unexpected invite %+v", inv)
	}

	if err := h.respond("c-d", "P", "D", true); err != nil {
		t.Fatalf("respond: %v", err)
	}

	resp := lastResponse(t, h.tr, "c-p")
	if !resp.Accepted || resp.RoomID != "consultation-P-D" {
		t.Errorf("unexpected patient response %+v", resp)
	}
	started := h.tr.framesFor("c-d", EventConsultationStarted)
	if len(started) != 1 || started[0].(ConsultationStarted).RoomID != "consultation-P-D" {
		t.Errorf("expected consultation_started for the doctor, got %v", started)
	}

	sessions := h.mm.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.RoomID != "consultation-P-D" || s.PatientID != "P" || s.DoctorID != "D" || s.State != StateAccepted {
		t.Errorf("unexpected session %+v", s)
	}
	if !h.tr.inRoom("c-p", "consultation-P-D") || !h.tr.inRoom("c-d", "consultation-P-D") {
		t.Error("expected both participants to join the room")
	}
	if h.mm.PendingInvites() != 0 {
		t.Errorf("expected no pending invites, got %d", h.mm.PendingInvites())
	}
}

func TestScenarioB_NoDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-p", "P", RolePatient)

	err := h.request("c-p", "P")
	if !errors.Is(err, ErrNoDoctorAvailable) {
		t.Fatalf("expected ErrNoDoctorAvailable, got %v", err)
	}
	resp := lastResponse(t, h.tr, "c-p")
	if resp.Accepted || resp.Message != "No doctor is currently available" || resp.Kind != KindNoDoctorAvailable {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(h.mm.Sessions()) != 0 || h.mm.PendingInvites() != 0 {
		t.Error("expected no state after a failed request")
	}
	if h.metrics.counter("consultation.request", "no_doctor") != 1 {
		t.Error("expected no_doctor counter")
	}
}

func TestScenarioC_Decline(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := h.respond("c-d", "P", "D", false); err != nil {
		t.Fatalf("respond: %v", err)
	}

	resp := lastResponse(t, h.tr, "c-p")
	if resp.Accepted || resp.Kind != KindDeclined {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(h.mm.Sessions()) != 0 {
		t.Error("expected no session after decline")
	}

	// The patient may ask again once declined.
	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func TestScenarioD_DoctorDisconnectEndsSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)

	h.mm.Disconnect(ctx, "c-d")

	ended := h.tr.framesFor("c-p", EventConsultationEnded)
	if len(ended) != 1 {
		t.Fatalf("expected patient to be told the consultation ended, got %d frames", len(ended))
	}
	if e := ended[0].(ConsultationEnded); e.RoomID != "consultation-P-D" || e.Reason != ReasonParticipantDisconnected {
		t.Errorf("unexpected end frame %+v", e)
	}
	if _, ok := h.mm.Session("consultation-P-D"); ok {
		t.Error("expected room removed from the session table")
	}
	if h.tr.inRoom("c-p", "consultation-P-D") {
		t.Error("expected room closed")
	}
	if h.metrics.gauge("consultation.sessions.live") != 0 {
		t.Error("expected live sessions gauge at 0")
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestPresenceSizeTracksConnections(t *testing.T) {
	h := newHarness(t, Options{})
	live := map[string]bool{}

	steps := []struct {
		register bool
		conn     string
	}{
		{true, "a"}, {true, "b"}, {true, "c"}, {false, "b"}, {true, "d"},
		{false, "x"}, {true, "a"}, {false, "a"}, {false, "a"}, {true, "e"},
	}
	for i, s := range steps {
		if s.register {
			h.register(t, s.conn, "user-"+s.conn, RolePatient)
			live[s.conn] = true
		} else {
			h.mm.Disconnect(ctx, ConnectionID(s.conn))
			delete(live, s.conn)
		}
		if got := len(h.mm.Presence()); got != len(live) {
			t.Fatalf("step %d: expected %d entries, got %d", i, len(live), got)
		}
	}
	if h.metrics.gauge("presence.connections") != int64(len(live)) {
		t.Errorf("expected gauge %d, got %d", len(live), h.metrics.gauge("presence.connections"))
	}
}

func TestSingleDoctorIsAlwaysInvited(t *testing.T) {
	for _, ids := range [][2]string{{"p1", "d1"}, {"alice", "bob"}, {"42", "7"}} {
		h := newHarness(t, Options{})
		h.register(t, "c-"+ids[1], ids[1], RoleDoctor)
		h.register(t, "c-"+ids[0], ids[0], RolePatient)

		if err := h.request("c-"+ids[0], ids[0]); err != nil {
			t.Fatalf("request: %v", err)
		}
		got := h.tr.framesFor("c-"+ids[1], EventConsultationRequest)
		want := RoomID(fmt.Sprintf("consultation-%s-%s", ids[0], ids[1]))
		if len(got) != 1 || got[0].(ConsultationRequest).RoomID != want {
			t.Errorf("expected invite for %s, got %v", want, got)
		}
	}
}

func TestDuplicateAcceptIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)
	first, _ := h.mm.Session("consultation-P-D")

	err := h.respond("c-d", "P", "D", true)
	if !errors.Is(err, ErrDuplicateAccept) {
		t.Fatalf("expected ErrDuplicateAccept, got %v", err)
	}
	if got := lastError(t, h.tr, "c-d"); got.Kind != KindDuplicateAccept {
		t.Errorf("expected duplicate_accept error, got %+v", got)
	}
	if n := len(h.mm.Sessions()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
	after, _ := h.mm.Session("consultation-P-D")
	if after != first {
		t.Errorf("session changed: %+v -> %+v", first, after)
	}
	if len(h.tr.framesFor("c-p", EventRequestResponse)) != 1 {
		t.Error("patient must not be notified twice")
	}
}

func TestRepeatedEndIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)

	if err := h.end("c-p", "consultation-P-D"); err != nil {
		t.Fatalf("end: %v", err)
	}
	for _, conn := range []string{"c-p", "c-d"} {
		got := h.tr.framesFor(conn, EventConsultationEnded)
		if len(got) != 1 || got[0].(ConsultationEnded).Reason != ReasonEnded {
			t.Errorf("%s: expected one ended frame, got %v", conn, got)
		}
	}
	h.tr.reset()

	err := h.end("c-p", "consultation-P-D")
	if !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
	if len(h.tr.frames) != 0 {
		t.Errorf("expected no frames for a repeated end, got %v", h.tr.frames)
	}
	if h.metrics.counter("consultation.ended", ReasonEnded) != 1 {
		t.Error("expected exactly one ended consultation")
	}
}

func TestEndByNonParticipantRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	h.register(t, "c-x", "X", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)

	err := h.end("c-x", "consultation-P-D")
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, ok := h.mm.Session("consultation-P-D"); !ok {
		t.Error("session must survive a rejected end")
	}
}

func TestRespondAfterPatientLeft(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")

	h.mm.Disconnect(ctx, "c-p")

	cancelled := h.tr.framesFor("c-d", EventRequestCancelled)
	if len(cancelled) != 1 || cancelled[0].(RequestCancelled).Reason != ReasonPatientDisconnected {
		t.Fatalf("expected doctor to see the request withdrawn, got %v", cancelled)
	}

	err := h.respond("c-d", "P", "D", true)
	if !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
	if len(h.mm.Sessions()) != 0 {
		t.Error("expected no session for a withdrawn request")
	}
}

func TestDoctorDisconnectWithdrawsInvite(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")

	h.mm.Disconnect(ctx, "c-d")

	resp := lastResponse(t, h.tr, "c-p")
	if resp.Accepted || resp.Kind != KindDoctorUnavailable {
		t.Errorf("unexpected response %+v", resp)
	}
	if h.mm.PendingInvites() != 0 {
		t.Error("expected invite withdrawn")
	}
}

func TestInviteExpiry(t *testing.T) {
	h := newHarness(t, Options{InviteTTL: 30 * time.Second})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")

	inv := h.tr.framesFor("c-d", EventConsultationRequest)[0].(ConsultationRequest)
	if inv.ExpiresAt != "2026-03-01T09:00:30Z" {
		t.Errorf("unexpected expiry %q", inv.ExpiresAt)
	}
	if len(h.clock.delays) != 1 || h.clock.delays[0] != 30*time.Second {
		t.Fatalf("expected one 30s timer, got %v", h.clock.delays)
	}

	h.clock.fire(0)

	resp := lastResponse(t, h.tr, "c-p")
	if resp.Accepted || resp.Kind != KindInviteExpired {
		t.Errorf("unexpected response %+v", resp)
	}
	cancelled := h.tr.framesFor("c-d", EventRequestCancelled)
	if len(cancelled) != 1 || cancelled[0].(RequestCancelled).Reason != ReasonExpired {
		t.Errorf("expected doctor to see expiry, got %v", cancelled)
	}
	if err := h.respond("c-d", "P", "D", true); !errors.Is(err, ErrStaleRequest) {
		t.Errorf("expected late accept to be stale, got %v", err)
	}
	if h.metrics.counter("consultation.request", "expired") != 1 {
		t.Error("expected expired counter")
	}
}

func TestExpiryAfterAcceptIsIgnored(t *testing.T) {
	h := newHarness(t, Options{InviteTTL: time.Minute})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)
	h.tr.reset()

	h.clock.fire(0)

	if len(h.tr.frames) != 0 {
		t.Errorf("expected a stale timer to do nothing, got %v", h.tr.frames)
	}
	if len(h.mm.Sessions()) != 1 {
		t.Error("session must survive a stale timer")
	}
}

func TestRequestWhileBusy(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d1", "D1", RoleDoctor)
	h.register(t, "c-d2", "D2", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	_ = h.request("c-p", "P")
	err := h.request("c-p", "P")
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending, got %v", err)
	}
	if resp := lastResponse(t, h.tr, "c-p"); resp.Kind != KindRequestPending {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(h.tr.framesFor("c-d2", EventConsultationRequest)) != 0 {
		t.Error("second doctor must not be invited while the first invite is pending")
	}
}

func TestBusyDoctorsAreSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d1", "D1", RoleDoctor)
	h.register(t, "c-d2", "D2", RoleDoctor)
	h.register(t, "c-p1", "P1", RolePatient)
	h.register(t, "c-p2", "P2", RolePatient)
	h.register(t, "c-p3", "P3", RolePatient)

	_ = h.request("c-p1", "P1")
	_ = h.request("c-p2", "P2")

	if len(h.tr.framesFor("c-d1", EventConsultationRequest)) != 1 || len(h.tr.framesFor("c-d2", EventConsultationRequest)) != 1 {
		t.Fatal("expected each doctor to get one invite")
	}
	if err := h.request("c-p3", "P3"); !errors.Is(err, ErrNoDoctorAvailable) {
		t.Fatalf("expected no doctor while both are busy, got %v", err)
	}
}

func TestRoundRobinRotatesDoctors(t *testing.T) {
	h := newHarness(t, Options{Policy: &RoundRobin{}})
	h.register(t, "c-d1", "D1", RoleDoctor)
	h.register(t, "c-d2", "D2", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	conns := map[string]string{"D1": "c-d1", "D2": "c-d2"}
	var picked []string
	for i := 0; i < 4; i++ {
		_ = h.request("c-p", "P")
		for _, d := range []string{"D1", "D2"} {
			if _, ok := h.mm.invites.Get(RoomIDFor("P", d)); ok {
				picked = append(picked, d)
				_ = h.respond(conns[d], "P", d, false)
			}
		}
	}
	want := []string{"D1", "D2", "D1", "D2"}
	if fmt.Sprint(picked) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, picked)
	}
}

func TestConcurrentAcceptCreatesOneSession(t *testing.T) {
	for run := 0; run < 20; run++ {
		h := newHarness(t, Options{})
		h.register(t, "c-d", "D", RoleDoctor)
		h.register(t, "c-p", "P", RolePatient)
		_ = h.request("c-p", "P")

		var wg sync.WaitGroup
		var mu sync.Mutex
		var ok, dup int
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := h.respond("c-d", "P", "D", true)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrDuplicateAccept), errors.Is(err, ErrStaleRequest):
					dup++
				default:
					t.Errorf("unexpected error %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 1 || dup != 9 {
			t.Fatalf("run %d: expected 1 success and 9 rejections, got %d/%d", run, ok, dup)
		}
		if n := len(h.mm.Sessions()); n != 1 {
			t.Fatalf("run %d: expected one session, got %d", run, n)
		}
	}
}

func TestConcurrentTraffic(t *testing.T) {
	h := newHarness(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, p := fmt.Sprintf("d%d", i), fmt.Sprintf("p%d", i)
			_ = h.mm.Register(ctx, ConnectionID("c-"+d), RegisterPayload{UserID: d, Role: "doctor"})
			_ = h.mm.Register(ctx, ConnectionID("c-"+p), RegisterPayload{UserID: p, Role: "patient"})
			_ = h.request("c-"+p, p)
			h.mm.Disconnect(ctx, ConnectionID("c-"+p))
			h.mm.Disconnect(ctx, ConnectionID("c-"+d))
		}(i)
	}
	wg.Wait()

	if len(h.mm.Presence()) != 0 || len(h.mm.Sessions()) != 0 || h.mm.PendingInvites() != 0 {
		t.Errorf("expected empty state, got presence=%d sessions=%d invites=%d",
			len(h.mm.Presence()), len(h.mm.Sessions()), h.mm.PendingInvites())
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestReconnectResumesSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", true)

	// The patient opens a second connection before the first one drops.
	h.register(t, "c-p2", "P", RolePatient)

	superseded := h.tr.framesFor("c-p", EventRegistrationSuperseded)
	if len(superseded) != 1 {
		t.Fatalf("expected old connection to be superseded, got %v", superseded)
	}
	resumed := h.tr.framesFor("c-p2", EventConsultationResumed)
	if len(resumed) != 1 || resumed[0].(ConsultationResumed).RoomID != "consultation-P-D" {
		t.Fatalf("expected resume on the new connection, got %v", resumed)
	}
	if !h.tr.inRoom("c-p2", "consultation-P-D") || h.tr.inRoom("c-p", "consultation-P-D") {
		t.Error("expected room membership to move to the new connection")
	}

	// The superseded connection closing must not end the session.
	h.mm.Disconnect(ctx, "c-p")
	if _, ok := h.mm.Session("consultation-P-D"); !ok {
		t.Fatal("session must survive the superseded connection closing")
	}
	if n := len(h.mm.Presence()); n != 2 {
		t.Errorf("expected 2 presence entries, got %d", n)
	}
}

func TestReregisterAsOtherUserReleasesOld(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")

	h.register(t, "c-p", "Q", RolePatient)

	if h.mm.PendingInvites() != 0 {
		t.Error("expected P's invite withdrawn once the connection became Q")
	}
	if len(h.mm.Presence()) != 2 {
		t.Errorf("expected re-registration to overwrite, got %d entries", len(h.mm.Presence()))
	}
}

func TestRegisterRejectsBadPayload(t *testing.T) {
	h := newHarness(t, Options{})
	tests := []RegisterPayload{
		{UserID: "", Role: "doctor"},
		{UserID: "  ", Role: "patient"},
		{UserID: "u", Role: "nurse"},
	}
	for _, p := range tests {
		err := h.mm.Register(ctx, "c", p)
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%+v: expected ErrInvalidPayload, got %v", p, err)
		}
	}
	if len(h.mm.Presence()) != 0 {
		t.Error("invalid registrations must not enter the registry")
	}
}

func TestRegisterEnforcesSubject(t *testing.T) {
	h := newHarness(t, Options{EnforceSubject: true})
	authed := auth.WithIdentity(ctx, "P", []string{"patient"}, "")

	err := h.mm.Register(authed, "c-1", RegisterPayload{UserID: "someone-else", Role: "patient"})
	if !errors.Is(err, ErrIdentityRejected) {
		t.Fatalf("expected ErrIdentityRejected, got %v", err)
	}
	if got := lastError(t, h.tr, "c-1"); got.Kind != KindIdentityRejected {
		t.Errorf("unexpected error frame %+v", got)
	}

	if err := h.mm.Register(authed, "c-1", RegisterPayload{UserID: "P", Role: "patient"}); err != nil {
		t.Fatalf("expected matching subject to register, got %v", err)
	}
}

type fakeDirectory struct {
	users map[string]UserIdentity
	err   error
}

func (d *fakeDirectory) LookupUser(_ context.Context, id string) (*UserIdentity, error) {
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	return &u, nil
}

func TestRegisterWithDirectory(t *testing.T) {
	dir := &fakeDirectory{users: map[string]UserIdentity{
		"D": {UserID: "D", Role: RoleDoctor, DisplayName: "Dr. Dre"},
	}}
	h := newHarness(t, Options{Directory: dir})

	if err := h.mm.Register(ctx, "c-x", RegisterPayload{UserID: "X", Role: "patient"}); !errors.Is(err, ErrIdentityRejected) {
		t.Errorf("expected unknown user rejected, got %v", err)
	}
	if err := h.mm.Register(ctx, "c-d", RegisterPayload{UserID: "D", Role: "patient"}); !errors.Is(err, ErrIdentityRejected) {
		t.Errorf("expected role mismatch rejected, got %v", err)
	}
	if err := h.mm.Register(ctx, "c-d", RegisterPayload{UserID: "D", Role: "doctor"}); err != nil {
		t.Fatalf("expected known doctor to register, got %v", err)
	}
	if e := h.mm.Presence()[0]; e.DisplayName != "Dr. Dre" {
		t.Errorf("expected directory name, got %q", e.DisplayName)
	}

	dir.err = errors.New("connection reset")
	if err := h.mm.Register(ctx, "c-y", RegisterPayload{UserID: "Y", Role: "patient"}); !errors.Is(err, ErrIdentityRejected) {
		t.Errorf("expected lookup failure to reject, got %v", err)
	}
}

func TestRequestForAnotherPatientRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	err := h.request("c-p", "someone-else")
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if h.mm.PendingInvites() != 0 {
		t.Error("expected no invite")
	}
}

func TestRespondRequiresInvitedDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-e", "E", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")

	if err := h.respond("c-e", "P", "D", true); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if err := h.respond("c-unknown", "P", "D", true); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if len(h.mm.Sessions()) != 0 {
		t.Error("expected no session")
	}
}

// ---------------------------------------------------------------------------
// Frame dispatch
// ---------------------------------------------------------------------------

func TestHandleMessage_Flow(t *testing.T) {
	h := newHarness(t, Options{})
	h.mm.HandleMessage(ctx, "c-d", []byte(`{"event":"register","data":{"userId":"D","role":"Doctor"}}`))
	h.mm.HandleMessage(ctx, "c-p", []byte(`{"event":"register","data":{"userId":"P","role":"patient","name":"Pat"}}`))
	h.mm.HandleMessage(ctx, "c-p", []byte(`{"event":"request_consultation","data":{"patientId":"P"}}`))
	h.mm.HandleMessage(ctx, "c-d", []byte(`{"event":"respond_to_request","data":{"accepted":true,"patientId":"P","doctorId":"D","roomId":"consultation-P-D"}}`))

	if len(h.mm.Sessions()) != 1 {
		t.Fatalf("expected a session, got %d", len(h.mm.Sessions()))
	}
	inv := h.tr.framesFor("c-d", EventConsultationRequest)[0].(ConsultationRequest)
	if inv.PatientName != "Pat" {
		t.Errorf("expected registered name to fill the invite, got %q", inv.PatientName)
	}

	h.mm.HandleMessage(ctx, "c-p", []byte(`{"event":"end_consultation","data":{"roomId":"consultation-P-D"}}`))
	if len(h.mm.Sessions()) != 0 {
		t.Error("expected session ended")
	}
	if h.metrics.counter("signal.inbound", "register") != 2 {
		t.Errorf("expected 2 inbound registers, got %d", h.metrics.counter("signal.inbound", "register"))
	}
}

func TestHandleMessage_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"no event", `{"data":{}}`},
		{"unknown event", `{"event":"dance","data":{}}`},
		{"missing data", `{"event":"register"}`},
		{"wrong types", `{"event":"register","data":{"userId":5}}`},
		{"no accepted flag", `{"event":"respond_to_request","data":{"patientId":"P","doctorId":"D","roomId":"consultation-P-D"}}`},
		{"room mismatch", `{"event":"respond_to_request","data":{"accepted":true,"patientId":"P","doctorId":"D","roomId":"consultation-X-D"}}`},
		{"empty room", `{"event":"end_consultation","data":{"roomId":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.mm.HandleMessage(ctx, "c-1", []byte(tt.frame))

			if got := lastError(t, h.tr, "c-1"); got.Kind != KindInvalidPayload {
				t.Errorf("expected invalid_payload, got %+v", got)
			}
			if n := len(h.tr.framesFor("c-1", EventConsultationError)); n != 1 {
				t.Errorf("expected exactly one error frame, got %d", n)
			}
			if h.metrics.counter("signal.failure", KindInvalidPayload) != 1 {
				t.Error("expected failure counter")
			}
		})
	}
}

type panickyDirectory struct{}

func (panickyDirectory) LookupUser(context.Context, string) (*UserIdentity, error) {
	panic("boom")
}

func TestHandleMessage_RecoversPanics(t *testing.T) {
	h := newHarness(t, Options{Directory: panickyDirectory{}})
	h.mm.HandleMessage(ctx, "c-1", []byte(`{"event":"register","data":{"userId":"u","role":"doctor"}}`))
	h.mm.HandleDisconnect(ctx, "c-1")

	// The matchmaker keeps working after a panic.
	h.mm.directory = nil
	h.register(t, "c-2", "u2", RoleDoctor)
	if len(h.mm.Presence()) != 1 {
		t.Error("expected matchmaker to keep serving after a recovered panic")
	}
}

type published struct {
	eventType string
	subject   string
	session   Session
}

type fakePublisher struct {
	events []published
	full   bool
}

func (p *fakePublisher) Publish(eventType, subject string, payload interface{}) bool {
	if p.full {
		return false
	}
	s, _ := payload.(Session)
	p.events = append(p.events, published{eventType, subject, s})
	return true
}

func TestLifecycleEventsPublished(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, Options{Publisher: pub})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)

	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected nothing published for an invite, got %+v", pub.events)
	}
	if err := h.respond("c-d", "P", "D", true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	h.mm.Disconnect(ctx, "c-d")

	if len(pub.events) != 2 {
		t.Fatalf("expected started and ended, got %+v", pub.events)
	}
	started, ended := pub.events[0], pub.events[1]
	if started.eventType != LifecycleStarted || started.subject != "consultation-P-D" || started.session.State != StateAccepted {
		t.Errorf("unexpected started event %+v", started)
	}
	if ended.eventType != LifecycleEnded || ended.session.Reason != ReasonParticipantDisconnected || ended.session.EndedAt == nil {
		t.Errorf("unexpected ended event %+v", ended)
	}
}

func TestDeclineIsNotPublished(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, Options{Publisher: pub})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	_ = h.respond("c-d", "P", "D", false)

	if len(pub.events) != 0 {
		t.Errorf("expected no lifecycle events for a decline, got %+v", pub.events)
	}
}

func TestFullPublisherDoesNotBlockSession(t *testing.T) {
	h := newHarness(t, Options{Publisher: &fakePublisher{full: true}})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	_ = h.request("c-p", "P")
	if err := h.respond("c-d", "P", "D", true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, ok := h.mm.Session("consultation-P-D"); !ok {
		t.Error("expected the session to start even when events are dropped")
	}
}

// ---------------------------------------------------------------------------
// Room id collisions and unregistered callers
// ---------------------------------------------------------------------------

// Patient "a-b" with doctor "c" and patient "a" with doctor "b-c" share the
// room consultation-a-b-c.
func TestRespondWithCollidingRoomIsStale(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-c", "c", RoleDoctor)
	h.register(t, "c-bc", "b-c", RoleDoctor)
	h.register(t, "c-a", "a", RolePatient)
	h.register(t, "c-ab", "a-b", RolePatient)

	if err := h.request("c-ab", "a-b"); err != nil {
		t.Fatalf("request: %v", err)
	}
	invited := h.tr.framesFor("c-c", EventConsultationRequest)
	if len(invited) != 1 || invited[0].(ConsultationRequest).RoomID != "consultation-a-b-c" {
		t.Fatalf("expected c to be invited, got %v", invited)
	}

	err := h.respond("c-bc", "a", "b-c", true)
	if !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
	if got := lastError(t, h.tr, "c-bc"); got.Kind != KindStaleRequest {
		t.Errorf("expected stale_request, got %+v", got)
	}
	if len(h.mm.Sessions()) != 0 {
		t.Errorf("expected no session, got %+v", h.mm.Sessions())
	}
	if got := h.tr.framesFor("c-a", EventRequestResponse); len(got) != 0 {
		t.Errorf("patient a never asked, got %v", got)
	}
	if h.mm.PendingInvites() != 1 {
		t.Fatalf("expected the real invite to survive, got %d", h.mm.PendingInvites())
	}

	if err := h.respond("c-c", "a-b", "c", true); err != nil {
		t.Fatalf("invited doctor accept: %v", err)
	}
	s, ok := h.mm.Session("consultation-a-b-c")
	if !ok || s.PatientID != "a-b" || s.DoctorID != "c" {
		t.Errorf("unexpected session %+v", s)
	}
	if resp := lastResponse(t, h.tr, "c-ab"); !resp.Accepted {
		t.Errorf("expected requesting patient to be accepted, got %+v", resp)
	}
}

func TestCollidingRoomSkipsDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-c", "c", RoleDoctor)
	h.register(t, "c-bc", "b-c", RoleDoctor)
	h.register(t, "c-ab", "a-b", RolePatient)
	h.register(t, "c-a", "a", RolePatient)

	_ = h.request("c-ab", "a-b")
	if err := h.respond("c-c", "a-b", "c", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// c is busy and b-c would reuse the live room.
	if err := h.request("c-a", "a"); !errors.Is(err, ErrNoDoctorAvailable) {
		t.Fatalf("expected ErrNoDoctorAvailable, got %v", err)
	}
	if got := h.tr.framesFor("c-bc", EventConsultationRequest); len(got) != 0 {
		t.Errorf("expected b-c not to be invited, got %v", got)
	}

	h.register(t, "c-z", "z", RoleDoctor)
	if err := h.request("c-a", "a"); err != nil {
		t.Fatalf("request: %v", err)
	}
	got := h.tr.framesFor("c-z", EventConsultationRequest)
	if len(got) != 1 || got[0].(ConsultationRequest).RoomID != "consultation-a-z" {
		t.Errorf("expected z to be invited, got %v", got)
	}
}

func TestUnregisteredRequestRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)

	err := h.request("c-ghost", "X")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if got := lastError(t, h.tr, "c-ghost"); got.Kind != KindNotRegistered {
		t.Errorf("expected not_registered, got %+v", got)
	}
	if h.mm.PendingInvites() != 0 {
		t.Fatalf("expected no invite, got %d", h.mm.PendingInvites())
	}
	h.mm.Disconnect(ctx, "c-ghost")

	h.register(t, "c-p", "P", RolePatient)
	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("expected the idle doctor to be invited, got %v", err)
	}
	if got := h.tr.framesFor("c-d", EventConsultationRequest); len(got) != 1 {
		t.Errorf("expected one invite for D, got %v", got)
	}
}

// fixedPolicy picks the same entry regardless of the candidates.
type fixedPolicy struct{ entry PresenceEntry }

func (f fixedPolicy) Select([]PresenceEntry) (PresenceEntry, bool) { return f.entry, true }

func TestRequestAnsweredWhenRoomAlreadyPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "c-d", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	d, _ := h.mm.presence.FindByUserID("D")
	h.mm.policy = fixedPolicy{entry: d}
	h.mm.invites.Add(&Invite{ID: "other", RoomID: "consultation-P-D", PatientID: "x", DoctorID: "y"})

	err := h.request("c-p", "P")
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending, got %v", err)
	}
	resp := lastResponse(t, h.tr, "c-p")
	if resp.Accepted || resp.Kind != KindRequestPending {
		t.Errorf("unexpected response %+v", resp)
	}
	if got := h.tr.framesFor("c-d", EventConsultationRequest); len(got) != 0 {
		t.Errorf("expected no invite sent, got %v", got)
	}
}

func TestReregisteredDoctorReceivesPendingInvite(t *testing.T) {
	h := newHarness(t, Options{InviteTTL: time.Minute})
	h.register(t, "c-d1", "D", RoleDoctor)
	h.register(t, "c-p", "P", RolePatient)
	if err := h.request("c-p", "P"); err != nil {
		t.Fatalf("request: %v", err)
	}

	h.register(t, "c-d2", "D", RoleDoctor)
	if got := h.tr.framesFor("c-d1", EventRegistrationSuperseded); len(got) != 1 {
		t.Errorf("expected old tab to be superseded, got %v", got)
	}
	got := h.tr.framesFor("c-d2", EventConsultationRequest)
	if len(got) != 1 {
		t.Fatalf("expected invite on the new tab, got %v", got)
	}
	req := got[0].(ConsultationRequest)
	if req.RoomID != "consultation-P-D" || req.PatientID != "P" || req.ExpiresAt != "2026-03-01T09:01:00Z" {
		t.Errorf("unexpected invite %+v", req)
	}

	if err := h.respond("c-d2", "P", "D", true); err != nil {
		t.Fatalf("accept from new tab: %v", err)
	}
	if !h.tr.inRoom("c-d2", "consultation-P-D") || !h.tr.inRoom("c-p", "consultation-P-D") {
		t.Error("expected both current connections in the room")
	}
}
