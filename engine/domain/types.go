// Package domain defines the content types the indexing pipeline consumes,
// the content events emitted by the primary store, and the pipeline's error
// taxonomy. It acts as the validation gate at pipeline entry points.
package domain

import "time"

// Status is the publication state of a content item.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Content is a canonical content item as carried by content events.
type Content struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Slug         string         `json:"slug"`
	Excerpt      string         `json:"excerpt"`
	Body         string         `json:"body"`
	CategoryID   string         `json:"category_id"`
	CategoryName string         `json:"category_name"`
	AuthorID     string         `json:"author_id"`
	Status       Status         `json:"status"`
	PublishedAt  time.Time      `json:"published_at"`
	Views        int64          `json:"views"`
	LikesCount   int64          `json:"likes_count"`
	Tags         []string       `json:"tags,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// EventType classifies a content mutation.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is a content mutation emitted by the primary content store.
// Content is fully populated for created/updated events; deleted events
// only need Content.ID.
type Event struct {
	Type       EventType `json:"type"`
	Content    Content   `json:"content"`
	OccurredAt time.Time `json:"occurred_at"`
}
