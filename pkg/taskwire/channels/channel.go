// Package channels defines the types shared between the messaging channel
// implementations and their consumers. The WhatsApp connectivity service
// produces IncomingMessage values; the workflow package consumes them.
package channels

import (
	"errors"
	"strings"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageReaction MessageType = "reaction"
	MessageOther    MessageType = "other"
)

// IncomingMessage represents a message received from a channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform, e.g.
	// "919876543210@s.whatsapp.net" or "1203630@g.us".
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// IsFromMe is true for messages sent by the linked account itself.
	IsFromMe bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// SenderPhone returns the user part of the sender identifier with any
// device suffix removed ("9198...:12@s.whatsapp.net" -> "9198...").
func (m *IncomingMessage) SenderPhone() string {
	user := m.From
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
	ErrChannelDestroyed    = errors.New("channel instance destroyed")
)
