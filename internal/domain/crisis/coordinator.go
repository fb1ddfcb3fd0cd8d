package crisis

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/audit"
)

// Realtime event names pushed by the coordinator.
const (
	EventCrisisAlert    = "crisis:alert"
	EventCrisisResponse = "crisis:response"
	EventCrisisUpdate   = "crisis:update"
	EventCrisisResolved = "crisis:resolved"
)

// Resource is one entry in the support-resource list returned with every
// crisis response.
type Resource struct {
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	Description string `json:"description,omitempty"`
}

// defaultResources is the minimal fallback every crisis response carries. A
// subject in crisis always gets at least these, whatever else fails.
func defaultResources(hotline string) []Resource {
	return []Resource{
		{Name: "Crisis Hotline", Phone: hotline, Description: "24/7 crisis support line"},
		{Name: "Crisis Text Line", Phone: "741741", Description: "Text HOME to reach a crisis counselor"},
		{Name: "Emergency Services", Phone: "911", Description: "Call if you are in immediate danger"},
	}
}

// RaiseSignalRequest is the inbound crisis signal.
type RaiseSignalRequest struct {
	Severity  string    `json:"severity,omitempty"`
	Symptoms  []string  `json:"symptoms,omitempty"`
	RiskFlags RiskFlags `json:"risk_flags"`
	Location  string    `json:"location,omitempty"`
	Message   string    `json:"message,omitempty"`

	// Structured indicators for the classifier, optional.
	MoodScore        *int     `json:"mood_score,omitempty"`
	AnxietyLevel     *int     `json:"anxiety_level,omitempty"`
	StressLevel      *int     `json:"stress_level,omitempty"`
	SleepHours       *float64 `json:"sleep_hours,omitempty"`
	RecentMoodScores []int    `json:"recent_mood_scores,omitempty"`
}

// RaiseSignalResponse is the subject-facing crisis response. It must always
// be buildable, even when every secondary channel fails.
type RaiseSignalResponse struct {
	CaseID                uuid.UUID        `json:"case_id"`
	Status                Status           `json:"status,omitempty"`
	IsCrisis              bool             `json:"is_crisis"`
	Severity              Severity         `json:"severity"`
	Merged                bool             `json:"merged"`
	HelpOnTheWay          bool             `json:"help_on_the_way"`
	TherapistNotified     bool             `json:"therapist_notified"`
	ContactsNotifiedCount int              `json:"contacts_notified_count"`
	SafetyPlan            *SafetyPlan      `json:"safety_plan,omitempty"`
	Resources             []Resource       `json:"resources"`
	ResponseActions       []ResponseAction `json:"response_actions"`
}

// CheckInRequest reports the subject's current state on an open case.
type CheckInRequest struct {
	CurrentState string `json:"current_state"`
	NeedsHelp    bool   `json:"needs_help"`
	Notes        string `json:"notes,omitempty"`
}

// CheckInResponse reports whether the check-in escalated the case and when
// the next check-in is expected.
type CheckInResponse struct {
	Escalated   bool       `json:"escalated"`
	Severity    Severity   `json:"severity"`
	NextCheckIn *time.Time `json:"next_check_in,omitempty"`
}

// ResolveRequest closes out a case.
type ResolveRequest struct {
	ResolutionMethod string `json:"resolution_method"`
	Notes            string `json:"notes,omitempty"`
	FollowUpRequired bool   `json:"follow_up_required"`
}

// ResolveResponse acknowledges resolution.
type ResolveResponse struct {
	Success           bool `json:"success"`
	FollowUpScheduled bool `json:"follow_up_scheduled"`
}

var checkInStates = map[string]bool{
	"improving": true,
	"stable":    true,
	"worsening": true,
	"resolved":  true,
}

// checkInInterval tightens the check-in cadence as severity rises.
func checkInInterval(sev Severity) time.Duration {
	switch sev {
	case SeverityEmergency:
		return 15 * time.Minute
	case SeverityCritical:
		return 30 * time.Minute
	case SeverityHigh:
		return time.Hour
	case SeverityModerate:
		return 4 * time.Hour
	}
	return 24 * time.Hour
}

// Coordinator runs the end-to-end crisis pipeline: classify, create-or-merge,
// fan out, journal, and push realtime state. Secondary-channel failures never
// fail the subject-facing response.
type Coordinator struct {
	registry    *Registry
	classifier  SignalClassifier
	contacts    ContactDirectory
	careTeam    CareTeamDirectory
	safetyPlans SafetyPlanSource
	dispatcher  *Dispatcher
	pusher      Pusher
	archiver    Archiver
	auditor     *audit.Recorder
	logger      zerolog.Logger

	hotline       string
	responderRoom string
}

// CoordinatorDeps bundles the coordinator's collaborators.
type CoordinatorDeps struct {
	Registry    *Registry
	Classifier  SignalClassifier
	Contacts    ContactDirectory
	CareTeam    CareTeamDirectory
	SafetyPlans SafetyPlanSource
	Dispatcher  *Dispatcher
	Pusher      Pusher
	Archiver    Archiver
	Auditor     *audit.Recorder
	Logger      zerolog.Logger

	Hotline       string
	ResponderRoom string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	if deps.Hotline == "" {
		deps.Hotline = "988"
	}
	if deps.ResponderRoom == "" {
		deps.ResponderRoom = "crisis-responders"
	}
	return &Coordinator{
		registry:      deps.Registry,
		classifier:    deps.Classifier,
		contacts:      deps.Contacts,
		careTeam:      deps.CareTeam,
		safetyPlans:   deps.SafetyPlans,
		dispatcher:    deps.Dispatcher,
		pusher:        deps.Pusher,
		archiver:      deps.Archiver,
		auditor:       deps.Auditor,
		logger:        deps.Logger,
		hotline:       deps.Hotline,
		responderRoom: deps.ResponderRoom,
	}
}

// fallbackResponse is the worst acceptable outcome: generic resources and
// hotline numbers, never an empty reply.
func (co *Coordinator) fallbackResponse() RaiseSignalResponse {
	return RaiseSignalResponse{
		Status:    StatusActive,
		Resources: defaultResources(co.hotline),
	}
}

// severityFor derives the effective severity of a signal. An explicit
// severity is taken as-is (manual panic path); otherwise the classifier
// scores the signal. Risk flags set a floor regardless of either source.
func (co *Coordinator) severityFor(ctx context.Context, subject uuid.UUID, req *RaiseSignalRequest) (Severity, TriggerSource, Classification, error) {
	cls := Classification{}

	if req.Severity != "" {
		sev, err := ParseSeverity(req.Severity)
		if err != nil {
			return SeverityLow, TriggerManual, cls, newValidationError("severity", err.Error())
		}
		return applyRiskFloor(sev, req.RiskFlags), TriggerManual, cls, nil
	}

	text := req.Message
	if len(req.Symptoms) > 0 {
		text = text + " " + strings.Join(req.Symptoms, " ")
	}
	cls = co.classifier.Classify(ctx, Signal{
		Text:             text,
		MoodScore:        req.MoodScore,
		AnxietyLevel:     req.AnxietyLevel,
		StressLevel:      req.StressLevel,
		SleepHours:       req.SleepHours,
		RecentMoodScores: req.RecentMoodScores,
	})

	sev := cls.Severity
	if !cls.IsCrisis {
		sev = SeverityLow
	}
	sev = applyRiskFloor(sev, req.RiskFlags)

	if !cls.IsCrisis && !req.RiskFlags.Any() {
		co.logger.Debug().
			Str("subject_id", subject.String()).
			Float64("confidence", cls.Confidence).
			Msg("signal did not qualify as crisis")
	}
	return sev, TriggerAutomated, cls, nil
}

// applyRiskFloor raises severity to match explicit risk flags. Suicidal
// ideation floors at critical; other risk flags at high.
func applyRiskFloor(sev Severity, flags RiskFlags) Severity {
	if flags.SuicidalIdeation {
		sev = maxSeverity(sev, SeverityCritical)
	}
	if flags.SelfHarmRisk || flags.HarmToOthersRisk {
		sev = maxSeverity(sev, SeverityHigh)
	}
	return sev
}

// RaiseSignal runs the full pipeline for an inbound signal from the subject
// user. It returns a usable response under any internal failure.
func (co *Coordinator) RaiseSignal(ctx context.Context, subject uuid.UUID, req *RaiseSignalRequest) (resp RaiseSignalResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error().Interface("panic", r).Msg("crisis pipeline panicked, returning fallback response")
			resp = co.fallbackResponse()
			err = nil
		}
	}()

	sev, source, cls, err := co.severityFor(ctx, subject, req)
	if err != nil {
		return RaiseSignalResponse{}, err
	}

	// An automated signal the classifier rejects, with no explicit risk
	// flags, opens no case. The subject still gets the resource list.
	if source == TriggerAutomated && !cls.IsCrisis && !req.RiskFlags.Any() {
		return RaiseSignalResponse{
			Resources: defaultResources(co.hotline),
		}, nil
	}

	details := req.Message
	if details == "" && len(req.Symptoms) > 0 {
		details = strings.Join(req.Symptoms, ", ")
	}
	if len(cls.MatchedSignals) > 0 {
		details = details + " [signals: " + strings.Join(cls.MatchedSignals, ", ") + "]"
	}

	c, merged := co.registry.CreateOrMerge(subject, sev, source, details, req.RiskFlags)

	team := co.lookupTeam(ctx, subject)
	contacts := co.lookupContacts(ctx, subject, c.Severity)
	plan := co.lookupPlan(ctx, subject)

	// Claim the tier before fanning out. Concurrent signals for the same
	// case then see the tier already taken and dispatch nothing twice.
	prevTier, terr := co.registry.ClaimNotifiedTier(c.ID, c.Severity)
	if terr != nil {
		return RaiseSignalResponse{}, terr
	}

	actions := co.dispatcher.Dispatch(ctx, DispatchJob{
		Case:         c,
		Contacts:     contacts,
		Team:         team,
		Location:     req.Location,
		Hotline:      co.hotline,
		NotifiedTier: prevTier,
	})
	co.journalDispatch(c.ID, actions)

	co.openRoom(&c, subject, team)

	snap, gerr := co.registry.Get(c.ID)
	if gerr == nil {
		c = snap
	}

	co.pusher.PushToRoom(co.responderRoom, EventCrisisAlert, c)
	co.pusher.PushToRoom(c.RoomID(), EventCrisisUpdate, c)

	resp = co.buildResponse(&c, merged, plan)
	co.pusher.PushToUser(subject, EventCrisisResponse, resp)

	co.auditor.Record(ctx, &audit.Entry{
		Action:    "crisis.signal_raised",
		ActorID:   &subject,
		SubjectID: &subject,
		CaseID:    &c.ID,
		Outcome:   "ok",
		Detail: map[string]any{
			"severity": c.Severity.String(),
			"source":   string(source),
			"merged":   merged,
		},
	})
	return resp, nil
}

// journalDispatch appends dispatch outcomes to the case journal and moves
// the case to responding after the first completed channel. The notified
// tier was already claimed before the dispatch ran.
func (co *Coordinator) journalDispatch(caseID uuid.UUID, actions []ResponseAction) {
	if len(actions) > 0 {
		if err := co.registry.AppendActions(caseID, actions...); err != nil {
			co.logger.Error().Err(err).Str("case_id", caseID.String()).Msg("could not journal dispatch outcomes")
			return
		}
	}
	for _, a := range actions {
		if a.Outcome == OutcomeCompleted {
			if err := co.registry.MarkResponding(caseID); err != nil {
				co.logger.Error().Err(err).Str("case_id", caseID.String()).Msg("could not mark case responding")
			}
			return
		}
	}
}

// openRoom grants the subject and assigned responders access to the case
// room.
func (co *Coordinator) openRoom(c *Case, subject uuid.UUID, team CareTeam) {
	room := c.RoomID()
	co.pusher.GrantRoomAccess(room, subject)
	if team.TherapistID != nil {
		co.pusher.GrantRoomAccess(room, *team.TherapistID)
	}
	if team.CounselorID != nil {
		co.pusher.GrantRoomAccess(room, *team.CounselorID)
	}
}

func (co *Coordinator) buildResponse(c *Case, merged bool, plan *SafetyPlan) RaiseSignalResponse {
	resp := RaiseSignalResponse{
		CaseID:          c.ID,
		Status:          c.Status,
		IsCrisis:        true,
		Severity:        c.Severity,
		Merged:          merged,
		SafetyPlan:      plan,
		Resources:       defaultResources(co.hotline),
		ResponseActions: c.ResponseActions,
	}
	for _, a := range c.ResponseActions {
		if a.Outcome != OutcomeCompleted {
			continue
		}
		switch a.Tag {
		case ActionTherapist:
			resp.TherapistNotified = true
			resp.HelpOnTheWay = true
		case ActionCounselorPaged, ActionEmergencyServices:
			resp.HelpOnTheWay = true
		case ActionContactNotified:
			resp.ContactsNotifiedCount++
		}
	}
	return resp
}

func (co *Coordinator) lookupTeam(ctx context.Context, subject uuid.UUID) CareTeam {
	team, err := co.careTeam.TeamFor(ctx, subject)
	if err != nil {
		co.logger.Warn().Err(err).Str("subject_id", subject.String()).Msg("care team lookup failed")
		return CareTeam{}
	}
	return team
}

func (co *Coordinator) lookupContacts(ctx context.Context, subject uuid.UUID, sev Severity) []Contact {
	contacts, err := co.contacts.NotifiableContacts(ctx, subject, sev)
	if err != nil {
		co.logger.Warn().Err(err).Str("subject_id", subject.String()).Msg("contact lookup failed")
		return nil
	}
	return contacts
}

func (co *Coordinator) lookupPlan(ctx context.Context, subject uuid.UUID) *SafetyPlan {
	plan, err := co.safetyPlans.PlanFor(ctx, subject)
	if err != nil {
		co.logger.Warn().Err(err).Str("subject_id", subject.String()).Msg("safety plan lookup failed")
		return nil
	}
	return plan
}

// authorize allows the subject themselves or any responder.
func authorize(c *Case, actorID uuid.UUID, responder bool) error {
	if responder || c.SubjectUserID == actorID {
		return nil
	}
	return ErrNotAuthorized
}

// CheckIn records the subject's state on an open case. "worsening" or an
// explicit needs-help flag escalates the case one tier and dispatches the
// newly unlocked channels. A "resolved" state is advisory only.
func (co *Coordinator) CheckIn(ctx context.Context, caseID, actorID uuid.UUID, responder bool, req *CheckInRequest) (CheckInResponse, error) {
	if !checkInStates[req.CurrentState] {
		return CheckInResponse{}, newValidationError("current_state", "must be one of improving, stable, worsening, resolved")
	}

	c, err := co.registry.Get(caseID)
	if err != nil {
		return CheckInResponse{}, err
	}
	if err := authorize(&c, actorID, responder); err != nil {
		return CheckInResponse{}, err
	}

	c, err = co.registry.RecordCheckIn(caseID, req.CurrentState, req.Notes)
	if err != nil {
		return CheckInResponse{}, err
	}

	escalated := false
	if req.CurrentState == "worsening" || req.NeedsHelp {
		c, escalated, err = co.escalate(ctx, caseID)
		if err != nil {
			return CheckInResponse{}, err
		}
	}

	co.pusher.PushToRoom(c.RoomID(), EventCrisisUpdate, c)
	if escalated {
		co.pusher.PushToRoom(co.responderRoom, EventCrisisAlert, c)
	}

	co.auditor.Record(ctx, &audit.Entry{
		Action:    "crisis.check_in",
		ActorID:   &actorID,
		SubjectID: &c.SubjectUserID,
		CaseID:    &caseID,
		Outcome:   "ok",
		Detail: map[string]any{
			"state":     req.CurrentState,
			"escalated": escalated,
		},
	})

	next := time.Now().UTC().Add(checkInInterval(c.Severity))
	return CheckInResponse{
		Escalated:   escalated,
		Severity:    c.Severity,
		NextCheckIn: &next,
	}, nil
}

// escalate raises severity one tier and fans out only the channels the new
// tier unlocks.
func (co *Coordinator) escalate(ctx context.Context, caseID uuid.UUID) (Case, bool, error) {
	c, raised, err := co.registry.Escalate(caseID)
	if err != nil {
		return Case{}, false, err
	}
	if !raised {
		return c, false, nil
	}

	team := co.lookupTeam(ctx, c.SubjectUserID)
	contacts := co.lookupContacts(ctx, c.SubjectUserID, c.Severity)

	prevTier, terr := co.registry.ClaimNotifiedTier(caseID, c.Severity)
	if terr != nil {
		return Case{}, false, terr
	}

	actions := co.dispatcher.Dispatch(ctx, DispatchJob{
		Case:         c,
		Contacts:     contacts,
		Team:         team,
		Hotline:      co.hotline,
		NotifiedTier: prevTier,
	})
	co.journalDispatch(caseID, actions)
	co.openRoom(&c, c.SubjectUserID, team)

	if snap, gerr := co.registry.Get(caseID); gerr == nil {
		c = snap
	}
	return c, true, nil
}

// Resolve closes a case. Only the subject or a responder may resolve. The
// resolved case is archived best-effort with a single retry.
func (co *Coordinator) Resolve(ctx context.Context, caseID, actorID uuid.UUID, responder bool, req *ResolveRequest) (ResolveResponse, error) {
	if req.ResolutionMethod == "" {
		return ResolveResponse{}, newValidationError("resolution_method", "required")
	}

	c, err := co.registry.Get(caseID)
	if err != nil {
		return ResolveResponse{}, err
	}
	if err := authorize(&c, actorID, responder); err != nil {
		return ResolveResponse{}, err
	}

	c, err = co.registry.Resolve(caseID, req.ResolutionMethod, req.Notes)
	if err != nil {
		return ResolveResponse{}, err
	}

	co.pusher.PushToRoom(c.RoomID(), EventCrisisResolved, c)
	co.pusher.PushToRoom(co.responderRoom, EventCrisisResolved, c)
	co.pusher.CloseRoom(c.RoomID())

	co.archive(ctx, &c)

	co.auditor.Record(ctx, &audit.Entry{
		Action:    "crisis.resolved",
		ActorID:   &actorID,
		SubjectID: &c.SubjectUserID,
		CaseID:    &caseID,
		Outcome:   "ok",
		Detail: map[string]any{
			"method":    req.ResolutionMethod,
			"follow_up": req.FollowUpRequired,
		},
	})

	return ResolveResponse{Success: true, FollowUpScheduled: req.FollowUpRequired}, nil
}

// archive persists the resolved case, retrying once. Failure degrades to a
// log line; resolution already happened.
func (co *Coordinator) archive(ctx context.Context, c *Case) {
	if co.archiver == nil {
		return
	}
	err := co.archiver.ArchiveCase(ctx, c)
	if err != nil {
		err = co.archiver.ArchiveCase(ctx, c)
	}
	if err != nil {
		co.logger.Error().Err(err).Str("case_id", c.ID.String()).Msg("case archive failed after retry")
	}
}

// Get returns the case if the actor may view it.
func (co *Coordinator) Get(_ context.Context, caseID, actorID uuid.UUID, responder bool) (Case, error) {
	c, err := co.registry.Get(caseID)
	if err != nil {
		return Case{}, err
	}
	if err := authorize(&c, actorID, responder); err != nil {
		return Case{}, err
	}
	return c, nil
}

// ActiveCases lists live cases for responder dashboards.
func (co *Coordinator) ActiveCases(context.Context) []Case {
	return co.registry.ActiveCases()
}

// ActiveForUser returns the actor's own live case, if any.
func (co *Coordinator) ActiveForUser(_ context.Context, userID uuid.UUID) (Case, bool) {
	return co.registry.ActiveForUser(userID)
}
