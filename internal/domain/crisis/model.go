// Package crisis implements the crisis-alert engine: severity model, the
// authoritative in-memory session registry, the fault-isolated notification
// dispatcher, and the escalation coordinator that ties them together.
package crisis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

// Severity is the ordered crisis severity tier. Higher values widen the
// notification fan-out.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityModerate
	SeverityHigh
	SeverityCritical
	SeverityEmergency
)

var severityNames = [...]string{"low", "moderate", "high", "critical", "emergency"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityEmergency {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity converts a wire string into a Severity.
func ParseSeverity(raw string) (Severity, error) {
	for i, name := range severityNames {
		if name == raw {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", raw)
}

// Next returns the severity one tier up, capped at emergency.
func (s Severity) Next() Severity {
	if s >= SeverityEmergency {
		return SeverityEmergency
	}
	return s + 1
}

// MarshalJSON encodes the severity as its wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity wire name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sev, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

func maxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// Case state
// ---------------------------------------------------------------------------

// TriggerSource identifies how a crisis signal originated.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerAutomated TriggerSource = "automated"
)

// Status is the crisis case lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusResponding Status = "responding"
	StatusEscalated  Status = "escalated"
	StatusResolved   Status = "resolved"
)

// RiskFlags are structured risk indicators attached to a signal.
type RiskFlags struct {
	SuicidalIdeation bool `json:"suicidal_ideation"`
	SelfHarmRisk     bool `json:"self_harm_risk"`
	HarmToOthersRisk bool `json:"harm_to_others_risk"`
}

// Any reports whether at least one risk flag is set.
func (f RiskFlags) Any() bool {
	return f.SuicidalIdeation || f.SelfHarmRisk || f.HarmToOthersRisk
}

// Action outcome values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Action tags recorded in the case journal.
const (
	ActionEmergencyServices = "emergency_services_notified"
	ActionTherapist         = "therapist_notified"
	ActionCounselorPaged    = "oncall_counselor_paged"
	ActionContactNotified   = "contact_notified"
	ActionMerged            = "merged"
	ActionEscalated         = "escalated"
	ActionCheckIn           = "check_in"
	ActionResolved          = "resolved"
)

// ResponseAction is one entry in a case's append-only action journal, ordered
// by completion time.
type ResponseAction struct {
	Tag       string    `json:"tag"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Case is one user's tracked crisis episode. Values returned by the registry
// are snapshots; mutation happens only through registry operations.
type Case struct {
	ID               uuid.UUID        `json:"id"`
	SubjectUserID    uuid.UUID        `json:"subject_user_id"`
	Severity         Severity         `json:"severity"`
	TriggerSource    TriggerSource    `json:"trigger_source"`
	TriggerDetails   string           `json:"trigger_details,omitempty"`
	RiskFlags        RiskFlags        `json:"risk_flags"`
	Status           Status           `json:"status"`
	ResponseActions  []ResponseAction `json:"response_actions"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolutionMethod string           `json:"resolution_method,omitempty"`

	// NotifiedTier is the highest severity tier whose channel set has already
	// been dispatched. -1 means no fan-out has happened yet.
	NotifiedTier int `json:"notified_tier"`

	LastCheckInState string     `json:"last_check_in_state,omitempty"`
	LastCheckInAt    *time.Time `json:"last_check_in_at,omitempty"`
}

// RoomID returns the realtime room dedicated to this case.
func (c *Case) RoomID() string {
	return "crisis:" + c.ID.String()
}

// Resolved reports whether the case has reached its terminal state.
func (c *Case) Resolved() bool {
	return c.Status == StatusResolved
}

// ---------------------------------------------------------------------------
// Collaborator contracts
// ---------------------------------------------------------------------------

// Signal is the classifier input assembled from a raised signal and the
// subject's recent structured history.
type Signal struct {
	Text             string
	MoodScore        *int
	AnxietyLevel     *int
	StressLevel      *int
	SleepHours       *float64
	RecentMoodScores []int
}

// Classification is the advisory classifier verdict. It is a heuristic
// signal, not a medical judgment.
type Classification struct {
	IsCrisis       bool     `json:"is_crisis"`
	Severity       Severity `json:"severity"`
	MatchedSignals []string `json:"matched_signals,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// SignalClassifier scores a signal for crisis likelihood. Implementations
// must fail open: on internal failure they return a non-crisis verdict
// rather than an error, because downstream manual channels remain available.
type SignalClassifier interface {
	Classify(ctx context.Context, sig Signal) Classification
}

// Contact is a notifiable emergency contact with the phone secret already
// resolved. An empty Phone means resolution failed; the channel records the
// failure instead of aborting the fan-out.
type Contact struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"-"`
	PriorityTier int       `json:"priority_tier"`
	Relationship string    `json:"relationship,omitempty"`
}

// ContactDirectory returns a user's emergency contacts filtered and ordered
// by priority tier for the given severity.
type ContactDirectory interface {
	NotifiableContacts(ctx context.Context, userID uuid.UUID, sev Severity) ([]Contact, error)
}

// CareTeam identifies the responders assigned to a subject.
type CareTeam struct {
	TherapistID *uuid.UUID
	CounselorID *uuid.UUID
}

// CareTeamDirectory looks up the subject's assigned therapist and the
// current on-call counselor.
type CareTeamDirectory interface {
	TeamFor(ctx context.Context, userID uuid.UUID) (CareTeam, error)
}

// SafetyPlan is the subject-facing snippet pushed with a crisis response.
type SafetyPlan struct {
	Summary string   `json:"summary,omitempty"`
	Steps   []string `json:"steps,omitempty"`
}

// SafetyPlanSource reads a user's safety plan, if one exists.
type SafetyPlanSource interface {
	PlanFor(ctx context.Context, userID uuid.UUID) (*SafetyPlan, error)
}

// Pusher delivers realtime events to the subject user and responder rooms.
type Pusher interface {
	PushToUser(userID uuid.UUID, event string, payload any)
	PushToRoom(roomID string, event string, payload any)
	GrantRoomAccess(roomID string, userID uuid.UUID)
	CloseRoom(roomID string)
}

// Archiver persists a resolved case out of the live registry. Best-effort
// with one retry; archive failure degrades, it does not fail resolution.
type Archiver interface {
	ArchiveCase(ctx context.Context, c *Case) error
}
