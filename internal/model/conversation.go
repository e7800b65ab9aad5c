package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

// Conversation owns its messages. LastMessageID is a weak reference.
type Conversation struct {
	ID              string     `json:"id"`
	Participants    []string   `json:"participants"`
	PairKey         string     `json:"-"`
	IsActive        bool       `json:"isActive"`
	LastMessageID   string     `json:"lastMessage,omitempty"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
	TotalMessages   int        `json:"totalMessages"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// PairKey identifies the unordered pair {a, b}.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

func NewDirectConversation(a, b string, now time.Time) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfPair
	}
	return &Conversation{
		ID:           uuid.NewString(),
		Participants: []string{a, b},
		PairKey:      PairKey(a, b),
		IsActive:     true,
		CreatedAt:    now.UTC(),
	}, nil
}

// RecordMessage updates the aggregates after msg was appended.
func (c *Conversation) RecordMessage(msg *Message) {
	t := msg.CreatedAt
	c.LastMessageID = msg.ID
	c.LastMessageTime = &t
	c.TotalMessages++
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
	MessageTypeAuto   MessageType = "auto"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type ReadReceipt struct {
	User   string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversationId"`
	Sender             string        `json:"sender"`
	Text               string        `json:"text"`
	Type               MessageType   `json:"messageType"`
	Status             MessageStatus `json:"status"`
	ReadBy             []ReadReceipt `json:"readBy"`
	ScheduledMessageID string        `json:"scheduledMessageId,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// NewAutoMessage builds the conversation message produced by delivering rec.
func NewAutoMessage(rec *ScheduledMessage, now time.Time) *Message {
	return &Message{
		ID:                 uuid.NewString(),
		ConversationID:     rec.ConversationID,
		Sender:             rec.Sender,
		Text:               rec.Text,
		Type:               MessageTypeAuto,
		Status:             MessageSent,
		ReadBy:             []ReadReceipt{},
		ScheduledMessageID: rec.ID,
		CreatedAt:          now.UTC(),
	}
}
