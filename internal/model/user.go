package model

import (
	"time"
)

// Identity is the authenticated caller as supplied by the auth provider.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Email       string `json:"email,omitempty"`
}

// User is a profile document.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	Email       string    `json:"email"`
	EmailLower  string    `json:"email_lower"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PresenceStatus is online or offline.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is a user's status record. It is written only by that user.
type Presence struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	LastSeen  time.Time      `json:"last_seen"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PresenceView is a presence record with a display label.
type PresenceView struct {
	Presence
	Effective PresenceStatus `json:"effective_status"`
	Label     string         `json:"label"`
}
