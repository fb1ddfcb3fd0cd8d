package crisis

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the authoritative in-memory store for live crisis cases. It
// guarantees at most one non-resolved case per subject user and serializes
// mutation per case while allowing full concurrency across distinct cases:
// the registry mutex guards only the lookup maps, each case carries its own
// lock.
type Registry struct {
	mu           sync.RWMutex
	byID         map[uuid.UUID]*caseEntry
	activeByUser map[uuid.UUID]*caseEntry
}

type caseEntry struct {
	mu sync.Mutex
	c  Case
}

// snapshot copies the case so callers never share the registry's backing
// slices. Caller must hold e.mu.
func (e *caseEntry) snapshot() Case {
	c := e.c
	c.ResponseActions = make([]ResponseAction, len(e.c.ResponseActions))
	copy(c.ResponseActions, e.c.ResponseActions)
	return c
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[uuid.UUID]*caseEntry),
		activeByUser: make(map[uuid.UUID]*caseEntry),
	}
}

// CreateOrMerge returns the subject's live case, creating one when none is
// active. When an active case exists the new signal merges into it: severity
// rises to max(old, new), risk flags accumulate, and a "merged" action is
// appended. The returned bool reports whether a merge happened.
func (r *Registry) CreateOrMerge(userID uuid.UUID, sev Severity, source TriggerSource, details string, flags RiskFlags) (Case, bool) {
	for {
		r.mu.Lock()
		entry, ok := r.activeByUser[userID]
		if !ok {
			entry = &caseEntry{c: Case{
				ID:             uuid.New(),
				SubjectUserID:  userID,
				Severity:       sev,
				TriggerSource:  source,
				TriggerDetails: details,
				RiskFlags:      flags,
				Status:         StatusActive,
				CreatedAt:      time.Now().UTC(),
				NotifiedTier:   -1,
			}}
			r.byID[entry.c.ID] = entry
			r.activeByUser[userID] = entry
			r.mu.Unlock()

			entry.mu.Lock()
			snap := entry.snapshot()
			entry.mu.Unlock()
			return snap, false
		}
		r.mu.Unlock()

		entry.mu.Lock()
		if entry.c.Resolved() {
			// Lost a race with resolve; the active index no longer points
			// here, so retry and create a fresh case.
			entry.mu.Unlock()
			continue
		}
		entry.c.Severity = maxSeverity(entry.c.Severity, sev)
		entry.c.RiskFlags.SuicidalIdeation = entry.c.RiskFlags.SuicidalIdeation || flags.SuicidalIdeation
		entry.c.RiskFlags.SelfHarmRisk = entry.c.RiskFlags.SelfHarmRisk || flags.SelfHarmRisk
		entry.c.RiskFlags.HarmToOthersRisk = entry.c.RiskFlags.HarmToOthersRisk || flags.HarmToOthersRisk
		entry.c.ResponseActions = append(entry.c.ResponseActions, ResponseAction{
			Tag:       ActionMerged,
			Outcome:   OutcomeCompleted,
			Detail:    details,
			Timestamp: time.Now().UTC(),
		})
		snap := entry.snapshot()
		entry.mu.Unlock()
		return snap, true
	}
}

func (r *Registry) entry(caseID uuid.UUID) (*caseEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[caseID]
	return e, ok
}

// Get returns a snapshot of the case.
func (r *Registry) Get(caseID uuid.UUID) (Case, error) {
	e, ok := r.entry(caseID)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// ActiveForUser returns the subject's live case, if any.
func (r *Registry) ActiveForUser(userID uuid.UUID) (Case, bool) {
	r.mu.RLock()
	e, ok := r.activeByUser[userID]
	r.mu.RUnlock()
	if !ok {
		return Case{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.Resolved() {
		return Case{}, false
	}
	return e.snapshot(), true
}

// ActiveCases returns snapshots of all live cases, for responder dashboards.
func (r *Registry) ActiveCases() []Case {
	r.mu.RLock()
	entries := make([]*caseEntry, 0, len(r.activeByUser))
	for _, e := range r.activeByUser {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Case, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.c.Resolved() {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// ActiveCount returns the number of live cases.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activeByUser)
}

// AppendActions appends journal entries in the order given. The journal is
// append-only; entries arrive already ordered by completion time.
func (r *Registry) AppendActions(caseID uuid.UUID, actions ...ResponseAction) error {
	e, ok := r.entry(caseID)
	if !ok {
		return ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.c.ResponseActions = append(e.c.ResponseActions, actions...)
	return nil
}

// MarkResponding moves an active case to responding after the first
// successful dispatch. No-op for cases already past active.
func (r *Registry) MarkResponding(caseID uuid.UUID) error {
	e, ok := r.entry(caseID)
	if !ok {
		return ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.Status == StatusActive {
		e.c.Status = StatusResponding
	}
	return nil
}

// ClaimNotifiedTier advances the notified tier to sev and returns the tier
// that was recorded before the claim. The advance happens under the case
// lock, so of any number of concurrent dispatch attempts at the same
// severity exactly one observes the lower previous tier; the rest see the
// tier already claimed and fan out nothing. The tier never moves down.
func (r *Registry) ClaimNotifiedTier(caseID uuid.UUID, sev Severity) (int, error) {
	e, ok := r.entry(caseID)
	if !ok {
		return 0, ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.c.NotifiedTier
	if int(sev) > prev {
		e.c.NotifiedTier = int(sev)
	}
	return prev, nil
}

// Escalate raises the case severity by one tier. Already at the maximum tier
// it is a no-op and the returned bool is false. Resolved cases cannot be
// escalated.
func (r *Registry) Escalate(caseID uuid.UUID) (Case, bool, error) {
	e, ok := r.entry(caseID)
	if !ok {
		return Case{}, false, ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c.Resolved() {
		return Case{}, false, ErrAlreadyResolved
	}
	if e.c.Severity >= SeverityEmergency {
		return e.snapshot(), false, nil
	}

	e.c.Severity = e.c.Severity.Next()
	e.c.Status = StatusEscalated
	e.c.ResponseActions = append(e.c.ResponseActions, ResponseAction{
		Tag:       ActionEscalated,
		Outcome:   OutcomeCompleted,
		Detail:    "severity raised to " + e.c.Severity.String(),
		Timestamp: time.Now().UTC(),
	})
	return e.snapshot(), true, nil
}

// RecordCheckIn updates check-in metadata on a live case.
func (r *Registry) RecordCheckIn(caseID uuid.UUID, state, notes string) (Case, error) {
	e, ok := r.entry(caseID)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c.Resolved() {
		return Case{}, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	e.c.LastCheckInState = state
	e.c.LastCheckInAt = &now
	e.c.ResponseActions = append(e.c.ResponseActions, ResponseAction{
		Tag:       ActionCheckIn,
		Outcome:   OutcomeCompleted,
		Detail:    state + ": " + notes,
		Timestamp: now,
	})
	return e.snapshot(), nil
}

// Resolve moves the case to its terminal state. A second call returns
// ErrAlreadyResolved and performs no side effects. The case stays readable
// through Get but leaves the active index.
func (r *Registry) Resolve(caseID uuid.UUID, method, notes string) (Case, error) {
	e, ok := r.entry(caseID)
	if !ok {
		return Case{}, ErrCaseNotFound
	}

	e.mu.Lock()
	if e.c.Resolved() {
		e.mu.Unlock()
		return Case{}, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	e.c.Status = StatusResolved
	e.c.ResolvedAt = &now
	e.c.ResolutionMethod = method
	e.c.ResponseActions = append(e.c.ResponseActions, ResponseAction{
		Tag:       ActionResolved,
		Outcome:   OutcomeCompleted,
		Detail:    method + ": " + notes,
		Timestamp: now,
	})
	subject := e.c.SubjectUserID
	snap := e.snapshot()
	e.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.activeByUser[subject]; ok && cur == e {
		delete(r.activeByUser, subject)
	}
	r.mu.Unlock()

	return snap, nil
}
