// Package contentstore is a read-only adapter onto the canonical content
// store in Postgres. The bulk reindex command uses it to enumerate content;
// nothing in the pipeline writes through it.
package contentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/folio-press/folio/engine/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("contentstore: not found")

// DefaultPageSize is used by ListAll when no page size is given.
const DefaultPageSize = 500

const selectContent = `
SELECT p.id, p.title, p.slug, COALESCE(p.excerpt, '') AS excerpt, p.body,
       COALESCE(p.category_id, '') AS category_id, COALESCE(c.name, '') AS category_name,
       p.author_id, p.status, p.published_at, p.views, p.likes_count,
       p.tags, p.attributes
FROM posts p
LEFT JOIN categories c ON c.id = p.category_id`

// ListOpts controls pagination and filtering for List.
type ListOpts struct {
	Offset int
	Limit  int
	// Status restricts results to one publication state when set.
	Status domain.Status
}

// Store reads content items.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("contentstore: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type row struct {
	ID           string         `db:"id"`
	Title        string         `db:"title"`
	Slug         string         `db:"slug"`
	Excerpt      string         `db:"excerpt"`
	Body         string         `db:"body"`
	CategoryID   string         `db:"category_id"`
	CategoryName string         `db:"category_name"`
	AuthorID     string         `db:"author_id"`
	Status       string         `db:"status"`
	PublishedAt  sql.NullTime   `db:"published_at"`
	Views        int64          `db:"views"`
	LikesCount   int64          `db:"likes_count"`
	Tags         pq.StringArray `db:"tags"`
	Attributes   []byte         `db:"attributes"`
}

func (r row) content() (domain.Content, error) {
	c := domain.Content{
		ID:           r.ID,
		Title:        r.Title,
		Slug:         r.Slug,
		Excerpt:      r.Excerpt,
		Body:         r.Body,
		CategoryID:   r.CategoryID,
		CategoryName: r.CategoryName,
		AuthorID:     r.AuthorID,
		Status:       domain.Status(r.Status),
		Views:        r.Views,
		LikesCount:   r.LikesCount,
		Tags:         []string(r.Tags),
	}
	if r.PublishedAt.Valid {
		c.PublishedAt = r.PublishedAt.Time.UTC()
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &c.Attributes); err != nil {
			return domain.Content{}, fmt.Errorf("contentstore: attributes of %s: %w", r.ID, err)
		}
	}
	return c, nil
}

func toContent(rows []row) ([]domain.Content, error) {
	out := make([]domain.Content, 0, len(rows))
	for _, r := range rows {
		c, err := r.content()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Get returns one content item.
func (s *Store) Get(ctx context.Context, id string) (domain.Content, error) {
	var r row
	err := s.db.GetContext(ctx, &r, selectContent+` WHERE p.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Content{}, ErrNotFound
	}
	if err != nil {
		return domain.Content{}, fmt.Errorf("contentstore: get %s: %w", id, err)
	}
	return r.content()
}

// List returns one page of content ordered by id.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]domain.Content, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	var rows []row
	var err error
	if opts.Status != "" {
		err = s.db.SelectContext(ctx, &rows,
			selectContent+` WHERE p.status = $1 ORDER BY p.id LIMIT $2 OFFSET $3`,
			string(opts.Status), opts.Limit, opts.Offset)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			selectContent+` ORDER BY p.id LIMIT $1 OFFSET $2`,
			opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: list: %w", err)
	}
	return toContent(rows)
}

// ListAll pages through every content item.
func (s *Store) ListAll(ctx context.Context, pageSize int) ([]domain.Content, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var all []domain.Content
	for offset := 0; ; offset += pageSize {
		page, err := s.List(ctx, ListOpts{Offset: offset, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// ListByIDs returns the items with the given ids; unknown ids are skipped.
func (s *Store) ListByIDs(ctx context.Context, ids []string) ([]domain.Content, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, selectContent+` WHERE p.id = ANY($1) ORDER BY p.id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("contentstore: list by ids: %w", err)
	}
	return toContent(rows)
}

// Count returns the number of content items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM posts`); err != nil {
		return 0, fmt.Errorf("contentstore: count: %w", err)
	}
	return n, nil
}
