package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSMSSender stands in for a real SMS provider integration. Every send is
// logged; the provider hookup replaces this without touching callers.
type LogSMSSender struct {
	logger zerolog.Logger
}

// NewLogSMSSender creates a LogSMSSender.
func NewLogSMSSender(logger zerolog.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger}
}

// SendSMS logs the outbound message. The phone number is never logged.
func (s *LogSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().
		Int("to_len", len(to)).
		Str("body", body).
		Msg("sms send")
	return nil
}

// LogEmergencyNotifier stands in for the emergency-services integration.
type LogEmergencyNotifier struct {
	logger zerolog.Logger
}

// NewLogEmergencyNotifier creates a LogEmergencyNotifier.
func NewLogEmergencyNotifier(logger zerolog.Logger) *LogEmergencyNotifier {
	return &LogEmergencyNotifier{logger: logger}
}

// NotifyEmergencyServices logs the alert.
func (n *LogEmergencyNotifier) NotifyEmergencyServices(_ context.Context, alert EmergencyAlert) error {
	n.logger.Warn().
		Str("case_id", alert.CaseID.String()).
		Str("severity", alert.Severity).
		Str("location", alert.Location).
		Msg("emergency services alert")
	return nil
}

// UserPusher delivers in-app events to a user's live connections.
type UserPusher interface {
	PushToUser(userID uuid.UUID, event string, payload any)
}

// HubPushSender implements PushSender over the realtime hub: pushes land as
// in-app notification events on every live connection of the user.
type HubPushSender struct {
	pusher UserPusher
}

// NewHubPushSender creates a HubPushSender.
func NewHubPushSender(pusher UserPusher) *HubPushSender {
	return &HubPushSender{pusher: pusher}
}

// SendPush delivers the notification as a realtime event.
func (s *HubPushSender) SendPush(_ context.Context, userID uuid.UUID, title, body string) error {
	s.pusher.PushToUser(userID, "notification", map[string]string{
		"title": title,
		"body":  body,
	})
	return nil
}
