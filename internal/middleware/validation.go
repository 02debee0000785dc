package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
)

const (
	maxContentBytes = 100000
	maxNameLength   = 256
	maxEmojiLength  = 32
	maxQueryLength  = 200
)

// ValidateMessageContent validates a message body before it is decoded.
// Emptiness is judged by the message service on the decoded text.
func ValidateMessageContent(content string) error {
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a conversation, message or user id taken from a URL.
func ValidateID(kind, id string) error {
	if id == "" {
		return errors.New(kind + " ID cannot be empty")
	}
	if len(id) > 128 || strings.Contains(id, "/") || docstore.ValidatePath(id) != nil {
		return errors.New("invalid " + kind + " ID format")
	}
	return nil
}

// ValidateName validates a group name or display name.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// ValidateEmoji validates a reaction.
func ValidateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return errors.New("emoji cannot be empty")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength || !utf8.ValidString(emoji) {
		return errors.New("invalid emoji")
	}
	return nil
}

// ValidateSearchQuery validates a search term.
func ValidateSearchQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.New("query is required")
	}
	if len(q) > maxQueryLength {
		return errors.New("query exceeds maximum length")
	}
	return nil
}
