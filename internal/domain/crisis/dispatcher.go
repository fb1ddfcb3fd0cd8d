package crisis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/notify"
)

// unlockTier returns the severity at which a channel becomes part of the
// fan-out set.
func unlockTier(tag string) Severity {
	switch tag {
	case ActionEmergencyServices:
		return SeverityEmergency
	case ActionCounselorPaged:
		return SeverityCritical
	case ActionTherapist:
		return SeverityModerate
	}
	return SeverityHigh
}

// contactUnlockTier maps a contact's priority tier to the severity that
// includes it: tier 1 at high, tier 2 at critical, everyone at emergency.
func contactUnlockTier(priorityTier int) Severity {
	switch {
	case priorityTier <= 1:
		return SeverityHigh
	case priorityTier == 2:
		return SeverityCritical
	}
	return SeverityEmergency
}

// DispatchJob describes one fan-out run for a case.
type DispatchJob struct {
	Case     Case
	Contacts []Contact
	Team     CareTeam
	Location string
	Hotline  string

	// NotifiedTier is the highest tier already dispatched for this case
	// (-1 for none). Channels unlocked at or below it are not re-run.
	NotifiedTier int
}

// channel is one independent unit of notification work. A non-empty skip
// reason means the channel has nothing to do and is journaled as skipped.
type channel struct {
	tag    string
	detail string
	skip   string
	run    func(ctx context.Context) error
}

// Dispatcher fans a crisis out across independent notification channels.
// Each channel failure is caught locally and recorded as a failed action;
// sibling channels always proceed. A per-channel timeout bounds total
// latency, and issued sends are not cancelled by the caller going away.
type Dispatcher struct {
	sms       notify.SMSSender
	push      notify.PushSender
	emergency notify.EmergencyNotifier
	templates *notify.TemplateEngine
	ledger    *notify.Ledger
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. A zero timeout defaults to 8s.
func NewDispatcher(
	sms notify.SMSSender,
	push notify.PushSender,
	emergency notify.EmergencyNotifier,
	templates *notify.TemplateEngine,
	ledger *notify.Ledger,
	logger zerolog.Logger,
	timeout time.Duration,
) *Dispatcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Dispatcher{
		sms:       sms,
		push:      push,
		emergency: emergency,
		templates: templates,
		ledger:    ledger,
		logger:    logger,
		timeout:   timeout,
	}
}

// Dispatch runs every newly unlocked channel for the job concurrently and
// returns one action per channel, ordered by completion time.
func (d *Dispatcher) Dispatch(ctx context.Context, job DispatchJob) []ResponseAction {
	channels := d.channelsFor(job)
	if len(channels) == 0 {
		return nil
	}

	// Sub-calls survive caller cancellation; only the per-channel timeout
	// bounds them.
	base := context.WithoutCancel(ctx)

	actions := make([]ResponseAction, 0, len(channels))
	live := 0
	results := make(chan ResponseAction, len(channels))
	for _, ch := range channels {
		if ch.skip != "" {
			actions = append(actions, ResponseAction{
				Tag:       ch.tag,
				Outcome:   OutcomeSkipped,
				Detail:    ch.skip,
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		live++
		ch := ch
		go func() {
			cctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			err := ch.run(cctx)
			action := ResponseAction{
				Tag:       ch.tag,
				Outcome:   OutcomeCompleted,
				Detail:    ch.detail,
				Timestamp: time.Now().UTC(),
			}
			status := "sent"
			if err != nil {
				action.Outcome = OutcomeFailed
				action.Detail = ch.detail + ": " + err.Error()
				status = "failed"
				d.logger.Warn().
					Err(err).
					Str("case_id", job.Case.ID.String()).
					Str("channel", ch.tag).
					Msg("notification channel failed")
			}
			d.ledger.Record(notify.Delivery{
				Channel:   ch.tag,
				Recipient: ch.detail,
				Status:    status,
				Error:     action.Detail,
			})
			results <- action
		}()
	}

	for i := 0; i < live; i++ {
		actions = append(actions, <-results)
	}
	return actions
}

// channelsFor assembles the independent channel set for the job's severity,
// excluding tiers that have already been notified.
func (d *Dispatcher) channelsFor(job DispatchJob) []channel {
	sev := job.Case.Severity
	already := job.NotifiedTier

	newlyUnlocked := func(unlock Severity) bool {
		return sev >= unlock && int(unlock) > already
	}

	var channels []channel

	if newlyUnlocked(unlockTier(ActionEmergencyServices)) {
		alert := notify.EmergencyAlert{
			CaseID:    job.Case.ID,
			SubjectID: job.Case.SubjectUserID,
			Severity:  sev.String(),
			Location:  job.Location,
			Message:   job.Case.TriggerDetails,
		}
		channels = append(channels, channel{
			tag:    ActionEmergencyServices,
			detail: "emergency services",
			run: func(ctx context.Context) error {
				return d.emergency.NotifyEmergencyServices(ctx, alert)
			},
		})
	}

	if newlyUnlocked(unlockTier(ActionTherapist)) {
		channels = append(channels, d.responderChannel(
			ActionTherapist, "therapist-crisis-alert", job.Team.TherapistID, "no therapist assigned", job))
	}

	if newlyUnlocked(unlockTier(ActionCounselorPaged)) {
		channels = append(channels, d.responderChannel(
			ActionCounselorPaged, "counselor-page", job.Team.CounselorID, "no counselor on call", job))
	}

	for _, contact := range job.Contacts {
		if !newlyUnlocked(contactUnlockTier(contact.PriorityTier)) {
			continue
		}
		channels = append(channels, d.contactChannel(contact, job))
	}

	return channels
}

// responderChannel builds a push channel to a responder, degrading to a
// skipped action when nobody is assigned.
func (d *Dispatcher) responderChannel(tag, templateID string, target *uuid.UUID, missing string, job DispatchJob) channel {
	if target == nil {
		return channel{tag: tag, detail: missing, skip: missing}
	}

	userID := *target
	title, body, err := d.templates.Render(templateID, map[string]string{
		"severity": job.Case.Severity.String(),
		"case_id":  job.Case.ID.String(),
	})
	return channel{
		tag:    tag,
		detail: userID.String(),
		run: func(ctx context.Context) error {
			if err != nil {
				return err
			}
			return d.push.SendPush(ctx, userID, title, body)
		},
	}
}

func (d *Dispatcher) contactChannel(contact Contact, job DispatchJob) channel {
	_, body, err := d.templates.Render("contact-crisis-alert", map[string]string{
		"subject_name": "someone who trusts you",
		"hotline":      job.Hotline,
	})
	phone := contact.Phone
	return channel{
		tag:    ActionContactNotified,
		detail: contact.Name,
		run: func(ctx context.Context) error {
			if err != nil {
				return err
			}
			if phone == "" {
				return fmt.Errorf("phone unavailable for contact %s", contact.ID)
			}
			return d.sms.SendSMS(ctx, phone, body)
		},
	}
}
