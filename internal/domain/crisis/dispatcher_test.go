package crisis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/notify"
)

type dispatcherFixture struct {
	sms       *notify.MockSMSSender
	push      *notify.MockPushSender
	emergency *notify.MockEmergencyNotifier
	ledger    *notify.Ledger
	d         *Dispatcher
}

func newDispatcherFixture(timeout time.Duration) *dispatcherFixture {
	f := &dispatcherFixture{
		sms:       &notify.MockSMSSender{},
		push:      &notify.MockPushSender{},
		emergency: &notify.MockEmergencyNotifier{},
		ledger:    notify.NewLedger(),
	}
	f.d = NewDispatcher(f.sms, f.push, f.emergency, notify.NewTemplateEngine(), f.ledger, zerolog.Nop(), timeout)
	return f
}

func testJob(sev Severity, notifiedTier int, contacts []Contact, team CareTeam) DispatchJob {
	return DispatchJob{
		Case: Case{
			ID:            uuid.New(),
			SubjectUserID: uuid.New(),
			Severity:      sev,
			Status:        StatusActive,
			NotifiedTier:  notifiedTier,
		},
		Contacts:     contacts,
		Team:         team,
		Hotline:      "988",
		NotifiedTier: notifiedTier,
	}
}

func countByTag(actions []ResponseAction) map[string]int {
	out := make(map[string]int)
	for _, a := range actions {
		out[a.Tag]++
	}
	return out
}

func fullTeam() CareTeam {
	t := uuid.New()
	c := uuid.New()
	return CareTeam{TherapistID: &t, CounselorID: &c}
}

func TestDispatcher_EmergencyFanOut(t *testing.T) {
	f := newDispatcherFixture(time.Second)
	contacts := []Contact{
		{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1},
		{ID: uuid.New(), Name: "Ben", Phone: "+15550002", PriorityTier: 2},
	}

	actions := f.d.Dispatch(context.Background(), testJob(SeverityEmergency, -1, contacts, fullTeam()))

	tags := countByTag(actions)
	if tags[ActionEmergencyServices] != 1 {
		t.Fatalf("emergency services actions = %d, want 1", tags[ActionEmergencyServices])
	}
	if tags[ActionTherapist] != 1 {
		t.Fatalf("therapist actions = %d, want 1", tags[ActionTherapist])
	}
	if tags[ActionCounselorPaged] != 1 {
		t.Fatalf("counselor actions = %d, want 1", tags[ActionCounselorPaged])
	}
	if tags[ActionContactNotified] != 2 {
		t.Fatalf("contact actions = %d, want 2", tags[ActionContactNotified])
	}
	for _, a := range actions {
		if a.Outcome != OutcomeCompleted {
			t.Fatalf("action %s outcome = %s", a.Tag, a.Outcome)
		}
	}

	if len(f.emergency.Alerts()) != 1 {
		t.Fatalf("emergency alerts = %d, want 1", len(f.emergency.Alerts()))
	}
	if len(f.sms.Calls()) != 2 {
		t.Fatalf("sms calls = %d, want 2", len(f.sms.Calls()))
	}
	if len(f.push.Calls()) != 2 {
		t.Fatalf("push calls = %d, want 2", len(f.push.Calls()))
	}
}

func TestDispatcher_FaultIsolation(t *testing.T) {
	f := newDispatcherFixture(time.Second)
	f.sms.ShouldFail = true
	f.sms.FailError = "provider down"

	contacts := []Contact{{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1}}
	actions := f.d.Dispatch(context.Background(), testJob(SeverityEmergency, -1, contacts, fullTeam()))

	var failed, completed int
	for _, a := range actions {
		switch a.Outcome {
		case OutcomeFailed:
			failed++
			if a.Tag != ActionContactNotified {
				t.Fatalf("unexpected failed channel %s", a.Tag)
			}
			if !strings.Contains(a.Detail, "provider down") {
				t.Fatalf("failed action detail = %q", a.Detail)
			}
		case OutcomeCompleted:
			completed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed actions = %d, want 1", failed)
	}
	if completed != 3 {
		t.Fatalf("completed actions = %d, want 3 (emergency, therapist, counselor)", completed)
	}
}

func TestDispatcher_MissingTherapistIsSkipped(t *testing.T) {
	f := newDispatcherFixture(time.Second)

	actions := f.d.Dispatch(context.Background(), testJob(SeverityModerate, -1, nil, CareTeam{}))

	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if actions[0].Tag != ActionTherapist || actions[0].Outcome != OutcomeSkipped {
		t.Fatalf("action = %+v, want skipped therapist", actions[0])
	}
	if len(f.push.Calls()) != 0 {
		t.Fatal("no push should be sent without a therapist")
	}
}

func TestDispatcher_AlreadyNotifiedTiersAreNotRerun(t *testing.T) {
	f := newDispatcherFixture(time.Second)
	contacts := []Contact{
		{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1},
		{ID: uuid.New(), Name: "Ben", Phone: "+15550002", PriorityTier: 2},
	}

	// Fan-out already ran at high; escalation to critical unlocks only the
	// counselor page and tier-2 contacts.
	actions := f.d.Dispatch(context.Background(),
		testJob(SeverityCritical, int(SeverityHigh), contacts, fullTeam()))

	tags := countByTag(actions)
	if tags[ActionTherapist] != 0 {
		t.Fatal("therapist was re-notified")
	}
	if tags[ActionCounselorPaged] != 1 {
		t.Fatalf("counselor actions = %d, want 1", tags[ActionCounselorPaged])
	}
	if tags[ActionContactNotified] != 1 {
		t.Fatalf("contact actions = %d, want 1 (tier 2 only)", tags[ActionContactNotified])
	}
	calls := f.sms.Calls()
	if len(calls) != 1 || calls[0].To != "+15550002" {
		t.Fatalf("sms calls = %+v, want only the tier-2 contact", calls)
	}
}

func TestDispatcher_LowSeverityNoChannels(t *testing.T) {
	f := newDispatcherFixture(time.Second)
	contacts := []Contact{{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1}}

	actions := f.d.Dispatch(context.Background(), testJob(SeverityLow, -1, contacts, fullTeam()))
	if len(actions) != 0 {
		t.Fatalf("actions = %d, want 0 for low severity", len(actions))
	}
}

func TestDispatcher_SlowChannelTimesOut(t *testing.T) {
	f := newDispatcherFixture(50 * time.Millisecond)
	f.sms.Delay = 300 * time.Millisecond
	contacts := []Contact{{ID: uuid.New(), Name: "Ana", Phone: "+15550001", PriorityTier: 1}}

	start := time.Now()
	actions := f.d.Dispatch(context.Background(), testJob(SeverityHigh, -1, contacts, fullTeam()))
	if time.Since(start) > 250*time.Millisecond {
		t.Fatal("dispatch held hostage by slow channel")
	}

	tags := make(map[string]string)
	for _, a := range actions {
		tags[a.Tag] = a.Outcome
	}
	if tags[ActionContactNotified] != OutcomeFailed {
		t.Fatalf("slow contact outcome = %s, want failed", tags[ActionContactNotified])
	}
	if tags[ActionTherapist] != OutcomeCompleted {
		t.Fatalf("therapist outcome = %s, want completed", tags[ActionTherapist])
	}
}

func TestDispatcher_ContactWithoutPhoneRecordsFailure(t *testing.T) {
	f := newDispatcherFixture(time.Second)
	contacts := []Contact{{ID: uuid.New(), Name: "Ana", Phone: "", PriorityTier: 1}}

	actions := f.d.Dispatch(context.Background(), testJob(SeverityHigh, -1, contacts, CareTeam{}))

	var contactOutcome string
	for _, a := range actions {
		if a.Tag == ActionContactNotified {
			contactOutcome = a.Outcome
		}
	}
	if contactOutcome != OutcomeFailed {
		t.Fatalf("contact outcome = %q, want failed", contactOutcome)
	}
	if len(f.sms.Calls()) != 0 {
		t.Fatal("no sms should be attempted without a phone")
	}
}
