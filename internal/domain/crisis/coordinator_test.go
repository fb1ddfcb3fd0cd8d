package crisis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/audit"
	"github.com/mindwell/mindwell/internal/platform/notify"
)

// ---------------------------------------------------------------------------
// Collaborator mocks
// ---------------------------------------------------------------------------

type mockClassifier struct {
	result Classification
	panics bool
}

func (m *mockClassifier) Classify(context.Context, Signal) Classification {
	if m.panics {
		panic("classifier exploded")
	}
	return m.result
}

type mockContacts struct {
	contacts []Contact
	err      error
}

func (m *mockContacts) NotifiableContacts(_ context.Context, _ uuid.UUID, sev Severity) ([]Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var maxTier int
	switch sev {
	case SeverityEmergency:
		maxTier = 1 << 30
	case SeverityCritical:
		maxTier = 2
	case SeverityHigh:
		maxTier = 1
	default:
		return nil, nil
	}
	var out []Contact
	for _, c := range m.contacts {
		if c.PriorityTier <= maxTier {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockCareTeam struct {
	team CareTeam
	err  error
}

func (m *mockCareTeam) TeamFor(context.Context, uuid.UUID) (CareTeam, error) {
	return m.team, m.err
}

type mockPlans struct {
	plan *SafetyPlan
	err  error
}

func (m *mockPlans) PlanFor(context.Context, uuid.UUID) (*SafetyPlan, error) {
	return m.plan, m.err
}

type pushedEvent struct {
	target string
	event  string
}

type mockPusher struct {
	mu     sync.Mutex
	events []pushedEvent
	grants map[string][]uuid.UUID
	closed []string
}

func newMockPusher() *mockPusher {
	return &mockPusher{grants: make(map[string][]uuid.UUID)}
}

func (m *mockPusher) PushToUser(userID uuid.UUID, event string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, pushedEvent{target: "user:" + userID.String(), event: event})
}

func (m *mockPusher) PushToRoom(roomID string, event string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, pushedEvent{target: roomID, event: event})
}

func (m *mockPusher) GrantRoomAccess(roomID string, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[roomID] = append(m.grants[roomID], userID)
}

func (m *mockPusher) CloseRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, roomID)
}

func (m *mockPusher) sawEvent(target, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.target == target && e.event == event {
			return true
		}
	}
	return false
}

type mockArchiver struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (m *mockArchiver) ArchiveCase(context.Context, *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("archive store unavailable")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type coordFixture struct {
	registry   *Registry
	classifier *mockClassifier
	contacts   *mockContacts
	careTeam   *mockCareTeam
	plans      *mockPlans
	pusher     *mockPusher
	archiver   *mockArchiver
	auditSink  *audit.MemorySink
	sms        *notify.MockSMSSender
	push       *notify.MockPushSender
	emergency  *notify.MockEmergencyNotifier
	co         *Coordinator
}

func newCoordFixture() *coordFixture {
	f := &coordFixture{
		registry:   NewRegistry(),
		classifier: &mockClassifier{},
		contacts:   &mockContacts{},
		careTeam:   &mockCareTeam{},
		plans:      &mockPlans{},
		pusher:     newMockPusher(),
		archiver:   &mockArchiver{},
		auditSink:  &audit.MemorySink{},
		sms:        &notify.MockSMSSender{},
		push:       &notify.MockPushSender{},
		emergency:  &notify.MockEmergencyNotifier{},
	}
	dispatcher := NewDispatcher(f.sms, f.push, f.emergency,
		notify.NewTemplateEngine(), notify.NewLedger(), zerolog.Nop(), time.Second)
	f.co = NewCoordinator(CoordinatorDeps{
		Registry:      f.registry,
		Classifier:    f.classifier,
		Contacts:      f.contacts,
		CareTeam:      f.careTeam,
		SafetyPlans:   f.plans,
		Dispatcher:    dispatcher,
		Pusher:        f.pusher,
		Archiver:      f.archiver,
		Auditor:       audit.NewRecorder(f.auditSink, zerolog.Nop()),
		Logger:        zerolog.Nop(),
		Hotline:       "988",
		ResponderRoom: "crisis-responders",
	})
	return f
}

// ---------------------------------------------------------------------------
// Raise signal
// ---------------------------------------------------------------------------

func TestCoordinator_EmergencySignalFullPipeline(t *testing.T) {
	f := newCoordFixture()
	f.careTeam.team = fullTeam()
	f.contacts.contacts = []Contact{
		{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1},
		{ID: uuid.New(), Name: "Ben", Phone: "+15550002", PriorityTier: 2},
	}
	subject := uuid.New()

	resp, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{
		Severity:  "emergency",
		RiskFlags: RiskFlags{SuicidalIdeation: true},
		Message:   "please help",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	if resp.Status != StatusResponding {
		t.Fatalf("status = %v, want responding", resp.Status)
	}
	if !resp.HelpOnTheWay {
		t.Fatal("help should be on the way")
	}
	if !resp.TherapistNotified {
		t.Fatal("therapist should be notified")
	}
	if resp.ContactsNotifiedCount != 2 {
		t.Fatalf("contacts notified = %d, want 2", resp.ContactsNotifiedCount)
	}

	tags := countByTag(resp.ResponseActions)
	for _, want := range []string{ActionEmergencyServices, ActionTherapist, ActionCounselorPaged} {
		if tags[want] != 1 {
			t.Fatalf("actions missing %s: %v", want, tags)
		}
	}
	if tags[ActionContactNotified] != 2 {
		t.Fatalf("contact actions = %d, want 2", tags[ActionContactNotified])
	}

	snap, err := f.registry.Get(resp.CaseID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.NotifiedTier != int(SeverityEmergency) {
		t.Fatalf("NotifiedTier = %d, want emergency", snap.NotifiedTier)
	}

	if !f.pusher.sawEvent("crisis-responders", EventCrisisAlert) {
		t.Fatal("responder room did not get a crisis alert")
	}
	if !f.pusher.sawEvent("user:"+subject.String(), EventCrisisResponse) {
		t.Fatal("subject did not get the crisis response")
	}
	if len(f.pusher.grants[snap.RoomID()]) == 0 {
		t.Fatal("nobody was granted access to the case room")
	}
	if len(f.auditSink.Entries()) == 0 {
		t.Fatal("signal was not audited")
	}
}

func TestCoordinator_LowSeverityNoFanOut(t *testing.T) {
	f := newCoordFixture()
	f.careTeam.team = fullTeam()
	f.contacts.contacts = []Contact{{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1}}

	resp, err := f.co.RaiseSignal(context.Background(), uuid.New(), &RaiseSignalRequest{
		Severity: "low",
		Message:  "feeling down",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if resp.Status != StatusActive {
		t.Fatalf("status = %v, want active", resp.Status)
	}
	if resp.ContactsNotifiedCount != 0 {
		t.Fatal("low severity must not notify contacts")
	}
	if len(f.sms.Calls()) != 0 || len(f.push.Calls()) != 0 {
		t.Fatal("low severity dispatched channels")
	}
	if resp.Severity != SeverityLow {
		t.Fatalf("severity = %v, want low", resp.Severity)
	}
}

func TestCoordinator_SecondSignalMerges(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()

	first, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})
	if err != nil {
		t.Fatalf("first raise: %v", err)
	}
	second, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "high"})
	if err != nil {
		t.Fatalf("second raise: %v", err)
	}

	if !second.Merged {
		t.Fatal("second signal should merge")
	}
	if second.CaseID != first.CaseID {
		t.Fatal("merge created a duplicate case")
	}
	if second.Severity != SeverityHigh {
		t.Fatalf("merged severity = %v, want high", second.Severity)
	}
}

func TestCoordinator_AutomatedNonCrisisOpensNoCase(t *testing.T) {
	f := newCoordFixture()
	f.classifier.result = Classification{IsCrisis: false, Severity: SeverityLow, Confidence: 0.1}
	subject := uuid.New()

	resp, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{
		Message: "had an ordinary day",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if resp.IsCrisis {
		t.Fatal("non-crisis verdict should not open a case")
	}
	if len(resp.Resources) == 0 {
		t.Fatal("response must still carry resources")
	}
	if _, ok := f.registry.ActiveForUser(subject); ok {
		t.Fatal("a case was opened for a non-crisis signal")
	}
}

func TestCoordinator_ClassifierVerdictDrivesSeverity(t *testing.T) {
	f := newCoordFixture()
	f.careTeam.team = fullTeam()
	f.classifier.result = Classification{
		IsCrisis:       true,
		Severity:       SeverityHigh,
		MatchedSignals: []string{"self_harm"},
		Confidence:     0.8,
	}

	resp, err := f.co.RaiseSignal(context.Background(), uuid.New(), &RaiseSignalRequest{
		Message: "journal text",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if resp.Severity != SeverityHigh {
		t.Fatalf("severity = %v, want high", resp.Severity)
	}
	snap, _ := f.registry.Get(resp.CaseID)
	if snap.TriggerSource != TriggerAutomated {
		t.Fatalf("trigger source = %v, want automated", snap.TriggerSource)
	}
}

func TestCoordinator_RiskFlagsFloorSeverity(t *testing.T) {
	f := newCoordFixture()
	f.classifier.result = Classification{IsCrisis: false}

	resp, err := f.co.RaiseSignal(context.Background(), uuid.New(), &RaiseSignalRequest{
		Message:   "text the classifier ignores",
		RiskFlags: RiskFlags{SuicidalIdeation: true},
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if resp.Severity < SeverityCritical {
		t.Fatalf("severity = %v, want at least critical for suicidal ideation", resp.Severity)
	}
}

func TestCoordinator_PanicReturnsFallback(t *testing.T) {
	f := newCoordFixture()
	f.classifier.panics = true

	resp, err := f.co.RaiseSignal(context.Background(), uuid.New(), &RaiseSignalRequest{
		Message: "anything",
	})
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if len(resp.Resources) == 0 {
		t.Fatal("fallback response must carry hotline resources")
	}
}

func TestCoordinator_ConcurrentSignalsDispatchTiersOnce(t *testing.T) {
	f := newCoordFixture()
	f.careTeam.team = fullTeam()
	f.contacts.contacts = []Contact{
		{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1},
		{ID: uuid.New(), Name: "Ben", Phone: "+15550002", PriorityTier: 2},
	}
	f.sms.Delay = 100 * time.Millisecond
	subject := uuid.New()

	// A panic button is exactly the input users press twice. Both signals
	// run concurrently; the slow SMS provider keeps the first dispatch in
	// flight while the second signal arrives.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{
				Severity: "emergency",
				Message:  "please help",
			}); err != nil {
				t.Errorf("raise: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := len(f.emergency.Alerts()); got != 1 {
		t.Fatalf("emergency services alerted %d times, want 1", got)
	}
	if got := len(f.sms.Calls()); got != 2 {
		t.Fatalf("contact sms calls = %d, want one per contact", got)
	}
	if got := len(f.push.Calls()); got != 2 {
		t.Fatalf("responder pushes = %d, want therapist and counselor once each", got)
	}

	c, ok := f.registry.ActiveForUser(subject)
	if !ok {
		t.Fatal("no active case after concurrent signals")
	}
	if c.NotifiedTier != int(SeverityEmergency) {
		t.Fatalf("NotifiedTier = %d, want emergency", c.NotifiedTier)
	}
}

func TestCoordinator_InvalidSeverityRejected(t *testing.T) {
	f := newCoordFixture()
	_, err := f.co.RaiseSignal(context.Background(), uuid.New(), &RaiseSignalRequest{Severity: "apocalyptic"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if f.registry.ActiveCount() != 0 {
		t.Fatal("validation failure had side effects")
	}
}

// ---------------------------------------------------------------------------
// Check-in
// ---------------------------------------------------------------------------

func TestCoordinator_WorseningCheckInEscalates(t *testing.T) {
	f := newCoordFixture()
	f.careTeam.team = fullTeam()
	f.contacts.contacts = []Contact{
		{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1},
		{ID: uuid.New(), Name: "Ben", Phone: "+15550002", PriorityTier: 2},
	}
	subject := uuid.New()

	resp, err := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "high"})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	smsBefore := len(f.sms.Calls())

	out, err := f.co.CheckIn(context.Background(), resp.CaseID, subject, false, &CheckInRequest{
		CurrentState: "worsening",
	})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if !out.Escalated {
		t.Fatal("worsening check-in should escalate")
	}
	if out.Severity != SeverityCritical {
		t.Fatalf("severity = %v, want critical", out.Severity)
	}
	if out.NextCheckIn == nil {
		t.Fatal("next check-in should be scheduled")
	}

	// Escalation to critical unlocks the tier-2 contact only; tier 1 was
	// already notified at high.
	calls := f.sms.Calls()
	if len(calls) != smsBefore+1 {
		t.Fatalf("sms calls after escalation = %d, want %d", len(calls), smsBefore+1)
	}
	if calls[len(calls)-1].To != "+15550002" {
		t.Fatalf("escalation notified %s, want the tier-2 contact", calls[len(calls)-1].To)
	}
}

func TestCoordinator_NeedsHelpEscalates(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	out, err := f.co.CheckIn(context.Background(), resp.CaseID, subject, false, &CheckInRequest{
		CurrentState: "stable",
		NeedsHelp:    true,
	})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if !out.Escalated || out.Severity != SeverityHigh {
		t.Fatalf("escalated=%v severity=%v, want escalation to high", out.Escalated, out.Severity)
	}
}

func TestCoordinator_ResolvedCheckInIsAdvisory(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	out, err := f.co.CheckIn(context.Background(), resp.CaseID, subject, false, &CheckInRequest{
		CurrentState: "resolved",
	})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if out.Escalated {
		t.Fatal("resolved check-in should not escalate")
	}
	snap, _ := f.registry.Get(resp.CaseID)
	if snap.Resolved() {
		t.Fatal("check-in must not resolve the case")
	}
}

func TestCoordinator_CheckInIntervalTightensWithSeverity(t *testing.T) {
	if checkInInterval(SeverityEmergency) >= checkInInterval(SeverityHigh) {
		t.Fatal("emergency check-ins should be more frequent than high")
	}
	if checkInInterval(SeverityLow) != 24*time.Hour {
		t.Fatalf("low interval = %v, want 24h", checkInInterval(SeverityLow))
	}
}

func TestCoordinator_CheckInAuthorization(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	stranger := uuid.New()
	_, err := f.co.CheckIn(context.Background(), resp.CaseID, stranger, false, &CheckInRequest{CurrentState: "stable"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	// A responder may check in on someone else's case.
	if _, err := f.co.CheckIn(context.Background(), resp.CaseID, stranger, true, &CheckInRequest{CurrentState: "stable"}); err != nil {
		t.Fatalf("responder check-in: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestCoordinator_ResolveArchivesWithRetry(t *testing.T) {
	f := newCoordFixture()
	f.archiver.failures = 1
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	out, err := f.co.Resolve(context.Background(), resp.CaseID, subject, false, &ResolveRequest{
		ResolutionMethod: "self_reported",
		FollowUpRequired: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.Success || !out.FollowUpScheduled {
		t.Fatalf("out = %+v", out)
	}
	if f.archiver.calls != 2 {
		t.Fatalf("archive calls = %d, want 2 (one retry)", f.archiver.calls)
	}
	if !f.pusher.sawEvent("crisis-responders", EventCrisisResolved) {
		t.Fatal("responders not told about resolution")
	}
}

func TestCoordinator_ResolveClosesCaseRoom(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	if _, err := f.co.Resolve(context.Background(), resp.CaseID, subject, false, &ResolveRequest{ResolutionMethod: "self_reported"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	c, _ := f.registry.Get(resp.CaseID)
	f.pusher.mu.Lock()
	closed := append([]string(nil), f.pusher.closed...)
	f.pusher.mu.Unlock()
	if len(closed) != 1 || closed[0] != c.RoomID() {
		t.Fatalf("closed rooms = %v, want just %s", closed, c.RoomID())
	}
}

func TestCoordinator_ResolveTwiceFails(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	if _, err := f.co.Resolve(context.Background(), resp.CaseID, subject, false, &ResolveRequest{ResolutionMethod: "self_reported"}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.co.Resolve(context.Background(), resp.CaseID, subject, false, &ResolveRequest{ResolutionMethod: "again"})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestCoordinator_ResolveAuthorization(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	_, err := f.co.Resolve(context.Background(), resp.CaseID, uuid.New(), false, &ResolveRequest{ResolutionMethod: "x"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestCoordinator_GetAuthorization(t *testing.T) {
	f := newCoordFixture()
	subject := uuid.New()
	resp, _ := f.co.RaiseSignal(context.Background(), subject, &RaiseSignalRequest{Severity: "moderate"})

	if _, err := f.co.Get(context.Background(), resp.CaseID, subject, false); err != nil {
		t.Fatalf("subject get: %v", err)
	}
	if _, err := f.co.Get(context.Background(), resp.CaseID, uuid.New(), true); err != nil {
		t.Fatalf("responder get: %v", err)
	}
	if _, err := f.co.Get(context.Background(), resp.CaseID, uuid.New(), false); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger get err = %v, want ErrNotAuthorized", err)
	}
}
