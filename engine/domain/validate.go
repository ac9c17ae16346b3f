package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidStatuses is the set of recognised publication states.
var ValidStatuses = map[Status]bool{
	StatusDraft:     true,
	StatusPublished: true,
	StatusArchived:  true,
}

var slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

const (
	maxIDLength    = 128
	maxQueryLength = 1000
)

// ValidateContent checks a content item before it enters the sync pipeline.
func ValidateContent(c Content) error {
	if strings.TrimSpace(c.ID) == "" {
		return NewValidationError("id", c.ID, ErrInvalidContent)
	}
	if len(c.ID) > maxIDLength {
		return NewValidationError("id", clip(c.ID, 32), ErrInvalidContent)
	}
	if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Body) == "" {
		return NewValidationError("title", c.Title, ErrInvalidContent)
	}
	if !ValidStatuses[c.Status] {
		return NewValidationError("status", string(c.Status), ErrInvalidContent)
	}
	// Slug is optional but if provided must be url-safe.
	if c.Slug != "" && !slugRegex.MatchString(c.Slug) {
		return NewValidationError("slug", c.Slug, ErrInvalidContent)
	}
	if c.Views < 0 || c.LikesCount < 0 {
		return NewValidationError("counters", c.ID, ErrInvalidContent)
	}
	return nil
}

// ValidateEvent checks a content event. Deleted events only need an id.
func ValidateEvent(e Event) error {
	switch e.Type {
	case EventCreated, EventUpdated:
		return ValidateContent(e.Content)
	case EventDeleted:
		if strings.TrimSpace(e.Content.ID) == "" {
			return NewValidationError("content.id", e.Content.ID, ErrInvalidEvent)
		}
		return nil
	default:
		return NewValidationError("type", string(e.Type), ErrInvalidEvent)
	}
}

// ValidateQuery checks free-text semantic search input.
func ValidateQuery(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NewValidationError("query", text, ErrInvalidQuery)
	}
	if utf8.RuneCountInString(trimmed) > maxQueryLength {
		return NewValidationError("query", clip(trimmed, 32), ErrInvalidQuery)
	}
	return nil
}

// clip shortens s to at most n runes for error messages.
func clip(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
