package crisis

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRegistry_CreateThenMerge(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()

	c1, merged := r.CreateOrMerge(user, SeverityModerate, TriggerManual, "first", RiskFlags{})
	if merged {
		t.Fatal("first signal should create, not merge")
	}
	if c1.Status != StatusActive {
		t.Fatalf("status = %v, want active", c1.Status)
	}
	if c1.NotifiedTier != -1 {
		t.Fatalf("new case NotifiedTier = %d, want -1", c1.NotifiedTier)
	}

	c2, merged := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "second", RiskFlags{SelfHarmRisk: true})
	if !merged {
		t.Fatal("second signal should merge into the active case")
	}
	if c2.ID != c1.ID {
		t.Fatal("merge created a duplicate case")
	}
	if c2.Severity != SeverityHigh {
		t.Fatalf("merged severity = %v, want high", c2.Severity)
	}
	if !c2.RiskFlags.SelfHarmRisk {
		t.Fatal("risk flags should accumulate on merge")
	}
	if len(c2.ResponseActions) == 0 || c2.ResponseActions[len(c2.ResponseActions)-1].Tag != ActionMerged {
		t.Fatal("merge should append a merged action")
	}
}

func TestRegistry_MergeNeverLowersSeverity(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()

	r.CreateOrMerge(user, SeverityCritical, TriggerManual, "", RiskFlags{})
	c, _ := r.CreateOrMerge(user, SeverityLow, TriggerAutomated, "", RiskFlags{})
	if c.Severity != SeverityCritical {
		t.Fatalf("severity = %v, want critical", c.Severity)
	}
}

func TestRegistry_AtMostOneActivePerUser(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})
			ids <- c.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := uuid.Nil
	for id := range ids {
		if first == uuid.Nil {
			first = id
		} else if id != first {
			t.Fatal("concurrent signals produced more than one case")
		}
	}
	if len(r.ActiveCases()) != 1 {
		t.Fatalf("active cases = %d, want 1", len(r.ActiveCases()))
	}
}

func TestRegistry_ResolveIdempotentSafe(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})

	resolved, err := r.Resolve(c.ID, "self_reported", "feeling better")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Fatal("resolve did not reach terminal state")
	}
	actionsAfterFirst := len(resolved.ResponseActions)

	if _, err := r.Resolve(c.ID, "again", ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve error = %v, want ErrAlreadyResolved", err)
	}

	snap, err := r.Get(c.ID)
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if len(snap.ResponseActions) != actionsAfterFirst {
		t.Fatal("second resolve performed side effects")
	}
	if snap.ResolutionMethod != "self_reported" {
		t.Fatalf("resolution method overwritten: %q", snap.ResolutionMethod)
	}
}

func TestRegistry_ResolveFreesUserForNewCase(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()

	c1, _ := r.CreateOrMerge(user, SeverityModerate, TriggerManual, "", RiskFlags{})
	if _, err := r.Resolve(c1.ID, "self_reported", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, ok := r.ActiveForUser(user); ok {
		t.Fatal("resolved case still indexed as active")
	}

	c2, merged := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})
	if merged {
		t.Fatal("signal after resolution should create a fresh case")
	}
	if c2.ID == c1.ID {
		t.Fatal("new case reused the resolved case id")
	}

	// The resolved case stays readable.
	if _, err := r.Get(c1.ID); err != nil {
		t.Fatalf("resolved case no longer readable: %v", err)
	}
}

func TestRegistry_EscalateStepsAndCaps(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityCritical, TriggerManual, "", RiskFlags{})

	up, raised, err := r.Escalate(c.ID)
	if err != nil || !raised {
		t.Fatalf("escalate: raised=%v err=%v", raised, err)
	}
	if up.Severity != SeverityEmergency {
		t.Fatalf("severity = %v, want emergency", up.Severity)
	}
	if up.Status != StatusEscalated {
		t.Fatalf("status = %v, want escalated", up.Status)
	}

	same, raised, err := r.Escalate(c.ID)
	if err != nil {
		t.Fatalf("escalate at cap: %v", err)
	}
	if raised {
		t.Fatal("escalate at emergency should be a no-op")
	}
	if same.Severity != SeverityEmergency {
		t.Fatalf("severity after capped escalate = %v", same.Severity)
	}

	if _, err := r.Resolve(c.ID, "responder", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, _, err := r.Escalate(c.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("escalate on resolved error = %v, want ErrAlreadyResolved", err)
	}
}

func TestRegistry_NotifiedTierNeverDrops(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})

	prev, err := r.ClaimNotifiedTier(c.ID, SeverityCritical)
	if err != nil {
		t.Fatalf("claim tier: %v", err)
	}
	if prev != -1 {
		t.Fatalf("first claim saw tier %d, want -1", prev)
	}
	prev, err = r.ClaimNotifiedTier(c.ID, SeverityModerate)
	if err != nil {
		t.Fatalf("claim lower tier: %v", err)
	}
	if prev != int(SeverityCritical) {
		t.Fatalf("lower claim saw tier %d, want %d", prev, int(SeverityCritical))
	}
	snap, _ := r.Get(c.ID)
	if snap.NotifiedTier != int(SeverityCritical) {
		t.Fatalf("NotifiedTier = %d, want %d", snap.NotifiedTier, int(SeverityCritical))
	}
}

func TestRegistry_ClaimNotifiedTierIsExclusive(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityEmergency, TriggerManual, "", RiskFlags{})

	const claimers = 20
	var wg sync.WaitGroup
	wins := make(chan int, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev, err := r.ClaimNotifiedTier(c.ID, SeverityEmergency)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if prev < int(SeverityEmergency) {
				wins <- prev
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("%d claimers saw an unclaimed tier, want exactly 1", won)
	}
}

func TestRegistry_MarkResponding(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})

	if err := r.MarkResponding(c.ID); err != nil {
		t.Fatalf("mark responding: %v", err)
	}
	snap, _ := r.Get(c.ID)
	if snap.Status != StatusResponding {
		t.Fatalf("status = %v, want responding", snap.Status)
	}

	// A later escalate moves to escalated; MarkResponding must not regress it.
	if _, _, err := r.Escalate(c.ID); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if err := r.MarkResponding(c.ID); err != nil {
		t.Fatalf("mark responding again: %v", err)
	}
	snap, _ = r.Get(c.ID)
	if snap.Status != StatusEscalated {
		t.Fatalf("status regressed to %v", snap.Status)
	}
}

func TestRegistry_AppendActionsOrdered(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	c, _ := r.CreateOrMerge(user, SeverityHigh, TriggerManual, "", RiskFlags{})

	a := ResponseAction{Tag: ActionTherapist, Outcome: OutcomeCompleted}
	b := ResponseAction{Tag: ActionContactNotified, Outcome: OutcomeFailed}
	if err := r.AppendActions(c.ID, a, b); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap, _ := r.Get(c.ID)
	if len(snap.ResponseActions) != 2 {
		t.Fatalf("actions = %d, want 2", len(snap.ResponseActions))
	}
	if snap.ResponseActions[0].Tag != ActionTherapist || snap.ResponseActions[1].Tag != ActionContactNotified {
		t.Fatal("action order not preserved")
	}
}

func TestRegistry_GetUnknownCase(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(uuid.New()); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("err = %v, want ErrCaseNotFound", err)
	}
}
