package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidContent   = errors.New("message must carry exactly one of text or audio")
	ErrStatusRegression = errors.New("message status cannot move backwards")
	ErrUnknownStatus    = errors.New("unknown message status")
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of sent, delivered, read.
func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// CanAdvanceTo is true when moving from s to next keeps the sent→delivered→read order.
// Re-writing the same status is allowed (idempotent receipts).
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if !next.Valid() {
		return false
	}
	if !s.Valid() {
		return true
	}
	return next.rank() >= s.rank()
}

// Advance returns next if the transition is forward-only.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, error) {
	if !next.Valid() {
		return s, fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	if !s.CanAdvanceTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, s, next)
	}
	return next, nil
}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeAudio ContentType = "audio"
)

// Content — тело сообщения, ровно один вариант (Text или Audio).
type Content interface {
	Type() ContentType
}

type Text struct {
	Body string
}

func (Text) Type() ContentType { return ContentTypeText }

// Audio: голосовое сообщение; Duration в секундах.
type Audio struct {
	URL      string
	Duration int
}

func (Audio) Type() ContentType { return ContentTypeAudio }

// Message: запись в chats/{chatId}/messages/{messageId}. ID — ключ записи, в теле не хранится.
type Message struct {
	ID        string
	Content   Content
	From      string
	To        string
	Timestamp int64
	Status    MessageStatus
	Edited    bool
	EditedAt  int64
	Reactions map[string]string
}

// Text returns the body for text messages and "" otherwise.
func (m Message) Text() string {
	if t, ok := m.Content.(Text); ok {
		return t.Body
	}
	return ""
}

// Preview: короткое представление для списка чатов и пуш-уведомлений.
func (m Message) Preview() string {
	switch c := m.Content.(type) {
	case Text:
		return c.Body
	case Audio:
		return fmt.Sprintf("Voice message (%ds)", c.Duration)
	}
	return ""
}

// Validate checks the invariants a freshly created record must satisfy.
func (m Message) Validate() error {
	switch c := m.Content.(type) {
	case Text:
		if c.Body == "" {
			return ErrInvalidContent
		}
	case Audio:
		if c.URL == "" {
			return ErrInvalidContent
		}
	default:
		return ErrInvalidContent
	}
	if m.From == "" || m.To == "" {
		return errors.New("message requires from and to")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, m.Status)
	}
	return nil
}

// record: формат, в котором сообщение лежит в дереве.
type record struct {
	Text          string            `json:"text,omitempty"`
	AudioURL      string            `json:"audioUrl,omitempty"`
	AudioDuration int               `json:"audioDuration,omitempty"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Timestamp     int64             `json:"timestamp"`
	Status        MessageStatus     `json:"status"`
	Edited        bool              `json:"edited,omitempty"`
	EditedAt      int64             `json:"editedAt,omitempty"`
	Reactions     map[string]string `json:"reactions,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	r := record{
		From:      m.From,
		To:        m.To,
		Timestamp: m.Timestamp,
		Status:    m.Status,
		Edited:    m.Edited,
		EditedAt:  m.EditedAt,
		Reactions: m.Reactions,
	}
	switch c := m.Content.(type) {
	case Text:
		r.Text = c.Body
	case Audio:
		r.AudioURL = c.URL
		r.AudioDuration = c.Duration
	}
	return json.Marshal(r)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	hasText, hasAudio := r.Text != "", r.AudioURL != ""
	switch {
	case hasText && !hasAudio:
		m.Content = Text{Body: r.Text}
	case hasAudio && !hasText:
		m.Content = Audio{URL: r.AudioURL, Duration: r.AudioDuration}
	default:
		return ErrInvalidContent
	}
	m.From = r.From
	m.To = r.To
	m.Timestamp = r.Timestamp
	m.Status = r.Status
	m.Edited = r.Edited
	m.EditedAt = r.EditedAt
	m.Reactions = r.Reactions
	return nil
}

// Less orders messages by timestamp, then by store-assigned id.
// Push ids are time-ordered, so equal timestamps fall back to insertion order.
func Less(a, b Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
