package model

import (
	"time"
)

// MessageType classifies message bodies.
type MessageType string

const (
	MessageText MessageType = "text"
	// MessageDeleted only appears in LastMessage summaries.
	MessageDeleted MessageType = "deleted"
)

// MessageStatus is the sender-side delivery state.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// TombstoneText is what every participant sees in place of a message
// deleted for everyone.
const TombstoneText = "This message was deleted"

// ReplyTo is an immutable copy of the quoted message taken at send time.
type ReplyTo struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content,omitempty"`
	PlainText  string `json:"plain_text"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// Reaction is one user's reaction. A user has at most one per message.
type Reaction struct {
	Emoji       string    `json:"emoji"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// ForwardedFrom is a snapshot of where a forwarded message came from.
type ForwardedFrom struct {
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ConversationID string `json:"conversation_id"`
}

// LinkPreview describes a URL found in a message.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
}

// Message is a message document.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderPhotoURL string `json:"sender_photo_url,omitempty"`

	// Content is the portable rich-text form; empty once deleted.
	Content   string      `json:"content,omitempty"`
	PlainText string      `json:"plain_text"`
	Type      MessageType `json:"type"`

	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	DeletedFor []string   `json:"deleted_for,omitempty"`

	ReplyTo *ReplyTo `json:"reply_to,omitempty"`
	// Keyed by user id.
	Reactions map[string]Reaction `json:"reactions,omitempty"`

	IsPinned bool       `json:"is_pinned"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`
	PinnedBy string     `json:"pinned_by,omitempty"`

	IsForwarded   bool           `json:"is_forwarded"`
	ForwardedFrom *ForwardedFrom `json:"forwarded_from,omitempty"`

	Status      MessageStatus        `json:"status"`
	DeliveredTo map[string]time.Time `json:"delivered_to,omitempty"`
	ReadBy      map[string]time.Time `json:"read_by,omitempty"`

	LinkPreviews []LinkPreview `json:"link_previews,omitempty"`
	Version      int           `json:"version"`
}

// IsDeleted reports whether the message was deleted for everyone.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// HiddenFor reports whether uid deleted the message for themselves.
func (m *Message) HiddenFor(uid string) bool {
	for _, u := range m.DeletedFor {
		if u == uid {
			return true
		}
	}
	return false
}

// DisplayText is the text to render: the tombstone when deleted.
func (m *Message) DisplayText() string {
	if m.IsDeleted() {
		return TombstoneText
	}
	return m.PlainText
}

// SendMessageRequest is the request to send a new message. Content is the
// portable rich-text form; Text is accepted from plain-text clients.
type SendMessageRequest struct {
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// EditMessageRequest replaces a message body. Version, when set, must match
// the stored version.
type EditMessageRequest struct {
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
	Version int    `json:"version,omitempty"`
}

// ReactionRequest sets the caller's reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// PinRequest pins or unpins.
type PinRequest struct {
	Pinned bool `json:"pinned"`
}

// ForwardRequest forwards to other conversations.
type ForwardRequest struct {
	Targets []string `json:"targets"`
}

// ForwardResult is the per-target outcome of a forward.
type ForwardResult struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Pinned   []Message `json:"pinned,omitempty"`
}
