// Package model defines data structures for the conversation engine.
package model

import (
	"time"
)

// ConversationType is either direct (exactly two participants) or group.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Valid reports whether t is a known type.
func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// ParticipantRole is a participant's role inside a conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

// Participant is the denormalized profile of a member.
type Participant struct {
	DisplayName string          `json:"display_name"`
	PhotoURL    string          `json:"photo_url,omitempty"`
	Role        ParticipantRole `json:"role"`
}

// PreferenceKey names a per-user conversation flag.
type PreferenceKey string

const (
	PrefPinned   PreferenceKey = "pinned"
	PrefMuted    PreferenceKey = "muted"
	PrefArchived PreferenceKey = "archived"
)

// Valid reports whether k is a known preference.
func (k PreferenceKey) Valid() bool {
	return k == PrefPinned || k == PrefMuted || k == PrefArchived
}

// Preferences are one user's flags for one conversation. A missing entry
// means all flags are false.
type Preferences struct {
	Pinned   bool `json:"pinned,omitempty"`
	Muted    bool `json:"muted,omitempty"`
	Archived bool `json:"archived,omitempty"`
}

// LastMessage is the summary shown in conversation lists.
type LastMessage struct {
	MessageID  string      `json:"message_id"`
	Text       string      `json:"text"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	CreatedAt  time.Time   `json:"created_at"`
	Type       MessageType `json:"type"`
}

// TypingEntry is one user's typing signal. It is live only while Timestamp
// is inside the liveness window.
type TypingEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// Conversation is a direct or group conversation document.
type Conversation struct {
	ID               string                 `json:"id"`
	Type             ConversationType       `json:"type"`
	Name             string                 `json:"name,omitempty"`
	PhotoURL         string                 `json:"photo_url,omitempty"`
	Participants     []string               `json:"participants"`
	ParticipantsData map[string]Participant `json:"participants_data"`
	// Keyed by user id. Absent users have default preferences.
	Preferences map[string]Preferences `json:"preferences,omitempty"`
	// Keyed by user id. Absent users have zero unread.
	UnreadCount map[string]int `json:"unread_count,omitempty"`
	// Keyed by user id. Set by an explicit mark-read; absent means never.
	LastReadAt  map[string]time.Time `json:"last_read_at,omitempty"`
	LastMessage *LastMessage         `json:"last_message"`
	// Keyed by user id. Entries may be stale; see TypingEntry.
	Typing    map[string]TypingEntry `json:"typing,omitempty"`
	DirectKey string                 `json:"direct_key,omitempty"`
	CreatedBy string                 `json:"created_by"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// HasParticipant reports whether uid is a member.
func (c *Conversation) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// IsAdmin reports whether uid administers the conversation.
func (c *Conversation) IsAdmin(uid string) bool {
	p, ok := c.ParticipantsData[uid]
	return ok && p.Role == RoleAdmin
}

// PreferencesFor returns uid's flags.
func (c *Conversation) PreferencesFor(uid string) Preferences {
	return c.Preferences[uid]
}

// UnreadFor returns uid's unread counter.
func (c *Conversation) UnreadFor(uid string) int {
	return c.UnreadCount[uid]
}

// ReadAt returns when uid last marked the conversation read, or the zero
// time.
func (c *Conversation) ReadAt(uid string) time.Time {
	return c.LastReadAt[uid]
}

// CreateConversationRequest is the request to create a conversation.
type CreateConversationRequest struct {
	Type           ConversationType `json:"type"`
	Name           string           `json:"name,omitempty"`
	ParticipantIDs []string         `json:"participant_ids"`
}

// CreateConversationResponse reports whether an existing direct
// conversation was reused.
type CreateConversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Created      bool          `json:"created"`
}

// ConversationView selects which conversations a list shows.
type ConversationView string

const (
	ViewInbox    ConversationView = "inbox"
	ViewArchived ConversationView = "archived"
)

// ConversationSummary is a conversation as seen by one user.
type ConversationSummary struct {
	Conversation
	Unread        int         `json:"unread"`
	MyPreferences Preferences `json:"my_preferences"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ParticipantRequest adds a participant.
type ParticipantRequest struct {
	UserID string `json:"user_id"`
}

// PreferenceRequest toggles a preference.
type PreferenceRequest struct {
	Key   PreferenceKey `json:"key"`
	Value bool          `json:"value"`
}
