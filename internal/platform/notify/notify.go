// Package notify holds the outbound message collaborators used during crisis
// fan-out: SMS/push senders, the emergency-services notifier, and a template
// engine for crisis message bodies. Delivery confirmation from downstream
// providers is out of scope; a send is complete when the collaborator call
// returns.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sender interfaces
// ---------------------------------------------------------------------------

// SMSSender sends a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender delivers an in-app push message to a user.
type PushSender interface {
	SendPush(ctx context.Context, userID uuid.UUID, title, body string) error
}

// EmergencyNotifier flags an active crisis to emergency services.
type EmergencyNotifier interface {
	NotifyEmergencyServices(ctx context.Context, alert EmergencyAlert) error
}

// EmergencyAlert is the payload handed to the emergency-services collaborator.
type EmergencyAlert struct {
	CaseID    uuid.UUID `json:"case_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Severity  string    `json:"severity"`
	Location  string    `json:"location,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ---------------------------------------------------------------------------
// Template engine
// ---------------------------------------------------------------------------

// Template is a reusable crisis message template.
type Template struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TemplateEngine renders message templates with {{key}} replacement.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in crisis
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:    "contact-crisis-alert",
			Name:  "Emergency Contact Alert",
			Title: "Urgent: {{subject_name}} may need support",
			Body:  "{{subject_name}} listed you as an emergency contact and may be going through a mental health crisis. Please reach out to them as soon as you can. If you believe they are in immediate danger, call {{hotline}}.",
		},
		{
			ID:    "therapist-crisis-alert",
			Name:  "Therapist Crisis Alert",
			Title: "Crisis alert for your client",
			Body:  "A {{severity}} severity crisis was detected for your client. Case {{case_id}} is active in the responder room. Please respond as soon as possible.",
		},
		{
			ID:    "counselor-page",
			Name:  "On-call Counselor Page",
			Title: "On-call page: {{severity}} crisis",
			Body:  "An active {{severity}} crisis (case {{case_id}}) needs an on-call responder. Join the responder room to take it.",
		},
		{
			ID:    "checkin-reminder",
			Name:  "Check-in Reminder",
			Title: "Checking in on you",
			Body:  "We wanted to check in. How are you feeling right now? Open the app to let us know, or call {{hotline}} if you need to talk to someone.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement. Keys
// present in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	title = t.Title
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// ---------------------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------------------

// Delivery records one outbound send attempt.
type Delivery struct {
	ID        uuid.UUID `json:"id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"` // sent | failed
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Ledger keeps an in-memory record of send attempts for responder visibility.
type Ledger struct {
	mu         sync.RWMutex
	deliveries []Delivery
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends a delivery record.
func (l *Ledger) Record(d Delivery) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.deliveries = append(l.deliveries, d)
	l.mu.Unlock()
}

// Recent returns up to limit most recent delivery records, newest first.
func (l *Ledger) Recent(limit int) []Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.deliveries)
	if limit > n {
		limit = n
	}
	out := make([]Delivery, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.deliveries[i])
	}
	return out
}

// Stats returns delivery counts grouped by status.
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]int)
	for _, d := range l.deliveries {
		stats[d.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// Mock senders (test doubles)
// ---------------------------------------------------------------------------

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
	// Delay simulates a slow provider.
	Delay time.Duration
}

// SendSMS records the call and optionally fails or stalls.
func (m *MockSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// PushCall records a single call to SendPush.
type PushCall struct {
	UserID uuid.UUID
	Title  string
	Body   string
}

// MockPushSender is a test double for PushSender.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
	FailError  string
}

// SendPush records the call and optionally returns an error.
func (m *MockPushSender) SendPush(_ context.Context, userID uuid.UUID, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{UserID: userID, Title: title, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded push calls.
func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockEmergencyNotifier is a test double for EmergencyNotifier.
type MockEmergencyNotifier struct {
	mu         sync.Mutex
	alerts     []EmergencyAlert
	ShouldFail bool
	FailError  string
}

// NotifyEmergencyServices records the alert and optionally returns an error.
func (m *MockEmergencyNotifier) NotifyEmergencyServices(_ context.Context, alert EmergencyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Alerts returns a copy of recorded alerts.
func (m *MockEmergencyNotifier) Alerts() []EmergencyAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmergencyAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
