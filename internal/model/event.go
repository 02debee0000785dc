package model

import (
	"encoding/json"
	"time"
)

// EventType names realtime frames exchanged over SSE and websocket.
type EventType string

const (
	// client to server
	EventOpen          EventType = "open"
	EventTyping        EventType = "typing"
	EventKeystroke     EventType = "keystroke"
	EventVisibility    EventType = "visibility"
	EventLeave         EventType = "leave"
	EventWatchPresence EventType = "watch_presence"

	// server to client
	EventConnected EventType = "connected"
	EventMessages  EventType = "messages"
	EventPresence  EventType = "presence"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"
)

// ClientEvent is an inbound websocket frame.
type ClientEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Typing         bool      `json:"typing,omitempty"`
	Visible        bool      `json:"visible,omitempty"`
}

// ServerEvent is an outbound frame.
type ServerEvent struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// MessagesEvent carries a whole window snapshot.
type MessagesEvent struct {
	Messages []Message `json:"messages"`
	Added    []string  `json:"added,omitempty"`
	Changed  []string  `json:"changed,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
}

// TypingEvent lists users currently typing, excluding the recipient.
type TypingEvent struct {
	Users []TypingEntry `json:"users"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
