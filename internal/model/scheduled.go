package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every ScheduledMessage status in lifecycle order.
var Statuses = []Status{StatusScheduled, StatusQueued, StatusSent, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Template string

const (
	TemplateGreeting    Template = "greeting"
	TemplateMotivation  Template = "motivation"
	TemplateQuestion    Template = "question"
	TemplateFunFact     Template = "fun_fact"
	TemplateCompliment  Template = "compliment"
	TemplateWeather     Template = "weather"
	TemplateInspiration Template = "inspiration"
	TemplateReminder    Template = "reminder"
	TemplateJoke        Template = "joke"
	TemplateQuote       Template = "quote"
)

func (t Template) Valid() bool {
	switch t {
	case TemplateGreeting, TemplateMotivation, TemplateQuestion, TemplateFunFact,
		TemplateCompliment, TemplateWeather, TemplateInspiration, TemplateReminder,
		TemplateJoke, TemplateQuote:
		return true
	}
	return false
}

type Category string

const (
	CategoryDaily     Category = "daily"
	CategoryWeekly    Category = "weekly"
	CategorySpecial   Category = "special"
	CategoryEmergency Category = "emergency"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDaily, CategoryWeekly, CategorySpecial, CategoryEmergency:
		return true
	}
	return false
}

// Origin records which component produced a ScheduledMessage.
type Origin string

const (
	OriginPlanner Origin = "planner"
	OriginManual  Origin = "manual"
	OriginSystem  Origin = "system"
)

const (
	DefaultMaxRetries = 3
	DefaultPriority   = 5

	// SendAtGrace is added to "now" when a new record's sendAt is already in the past.
	SendAtGrace = time.Minute
)

type DeliveryError struct {
	Message    string     `json:"message,omitempty"`
	Code       string     `json:"code,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
}

// ScheduledMessage is a planned automated chat message. Status is the single
// source of truth; IsQueued and IsSent are derived from it.
type ScheduledMessage struct {
	ID             string   `json:"id"`
	Sender         string   `json:"sender"`
	Receiver       string   `json:"receiver"`
	ConversationID string   `json:"conversationId"`
	Text           string   `json:"text"`
	Template       Template `json:"template"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	SendAt      time.Time  `json:"sendAt"`
	Status      Status     `json:"status"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`

	ResultingMessageID      string `json:"resultingMessageId,omitempty"`
	ResultingConversationID string `json:"resultingConversationId,omitempty"`

	Error DeliveryError `json:"error"`

	BatchID     string   `json:"batchId,omitempty"`
	Priority    int      `json:"priority"`
	Category    Category `json:"category"`
	GeneratedBy Origin   `json:"generatedBy"`
}

// NewScheduled holds the inputs for creating a ScheduledMessage.
type NewScheduled struct {
	Sender         string
	Receiver       string
	ConversationID string
	Text           string
	Template       Template
	SendAt         time.Time
	BatchID        string
	Priority       int
	Category       Category
	GeneratedBy    Origin
	MaxRetries     int
}

func NewScheduledMessage(in NewScheduled, now time.Time) (*ScheduledMessage, error) {
	if in.Sender == "" || in.Receiver == "" {
		return nil, fmt.Errorf("sender and receiver are required: %w", ErrSelfPair)
	}
	if in.Sender == in.Receiver {
		return nil, ErrSelfPair
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrEmptyContent
	}
	if !in.Template.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplate, in.Template)
	}

	category := in.Category
	if category == "" {
		category = CategoryDaily
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, ErrInvalidPriority
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	origin := in.GeneratedBy
	if origin == "" {
		origin = OriginPlanner
	}

	now = now.UTC()
	sendAt := in.SendAt.UTC()
	if sendAt.Before(now) {
		sendAt = now.Add(SendAtGrace)
	}

	return &ScheduledMessage{
		ID:             uuid.NewString(),
		Sender:         in.Sender,
		Receiver:       in.Receiver,
		ConversationID: in.ConversationID,
		Text:           text,
		Template:       in.Template,
		ScheduledAt:    now,
		SendAt:         sendAt,
		Status:         StatusScheduled,
		Error:          DeliveryError{MaxRetries: maxRetries},
		BatchID:        in.BatchID,
		Priority:       priority,
		Category:       category,
		GeneratedBy:    origin,
	}, nil
}

// IsQueued reports whether the record was handed to the broker at some point
// and has not been reset since.
func (m *ScheduledMessage) IsQueued() bool {
	switch m.Status {
	case StatusQueued, StatusSent, StatusFailed:
		return true
	}
	return false
}

func (m *ScheduledMessage) IsSent() bool { return m.Status == StatusSent }

// ReadyAt reports whether the scanner should pick the record up at now.
func (m *ScheduledMessage) ReadyAt(now time.Time) bool {
	return m.Status == StatusScheduled && !m.SendAt.After(now)
}

func (m *ScheduledMessage) MarkQueued(now time.Time) error {
	if m.Status != StatusScheduled {
		return m.transitionErr(StatusQueued)
	}
	t := now.UTC()
	m.Status = StatusQueued
	m.QueuedAt = &t
	return nil
}

// MarkSent accepts failed records too: a broker retry may succeed after the
// distributor recorded an earlier failure.
func (m *ScheduledMessage) MarkSent(messageID, conversationID string, now time.Time) error {
	switch m.Status {
	case StatusScheduled, StatusQueued, StatusFailed:
	default:
		return m.transitionErr(StatusSent)
	}
	t := now.UTC()
	m.Status = StatusSent
	m.SentAt = &t
	if m.QueuedAt == nil {
		m.QueuedAt = &t
	}
	m.ResultingMessageID = messageID
	m.ResultingConversationID = conversationID
	return nil
}

func (m *ScheduledMessage) MarkFailed(reason, code string, now time.Time) error {
	switch m.Status {
	case StatusScheduled, StatusQueued, StatusFailed:
	default:
		return m.transitionErr(StatusFailed)
	}
	m.Status = StatusFailed
	m.recordError(reason, code, now)
	return nil
}

// RecordPublishFailure keeps the status so the next scan retries the record.
func (m *ScheduledMessage) RecordPublishFailure(reason string, now time.Time) {
	m.recordError(reason, "publish_failed", now)
}

func (m *ScheduledMessage) Cancel() error {
	if m.Status != StatusScheduled && m.Status != StatusQueued {
		return m.transitionErr(StatusCancelled)
	}
	m.Status = StatusCancelled
	return nil
}

// Retry resets a failed record to scheduled with sendAt = now + delay.
func (m *ScheduledMessage) Retry(now time.Time, delay time.Duration) error {
	if m.Status != StatusFailed {
		return m.transitionErr(StatusScheduled)
	}
	if m.Error.RetryCount >= m.maxRetries() {
		return fmt.Errorf("%w (%d/%d)", ErrRetryLimit, m.Error.RetryCount, m.maxRetries())
	}
	m.Status = StatusScheduled
	m.QueuedAt = nil
	m.SendAt = now.UTC().Add(delay)
	m.Error.RetryCount++
	return nil
}

func (m *ScheduledMessage) recordError(reason, code string, now time.Time) {
	t := now.UTC()
	m.Error.Message = reason
	m.Error.Code = code
	m.Error.Timestamp = &t
	if m.Error.RetryCount < m.maxRetries() {
		m.Error.RetryCount++
	}
}

func (m *ScheduledMessage) maxRetries() int {
	if m.Error.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return m.Error.MaxRetries
}

func (m *ScheduledMessage) transitionErr(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
}

// MarshalJSON adds the derived isQueued/isSent flags for API consumers.
func (m ScheduledMessage) MarshalJSON() ([]byte, error) {
	type alias ScheduledMessage
	return json.Marshal(struct {
		alias
		IsQueued bool `json:"isQueued"`
		IsSent   bool `json:"isSent"`
	}{
		alias:    alias(m),
		IsQueued: m.IsQueued(),
		IsSent:   m.IsSent(),
	})
}
