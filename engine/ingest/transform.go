package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/embed"
)

const (
	// DefaultExcerptLen bounds the excerpt stored in metadata and embedded.
	DefaultExcerptLen = 200
	// DefaultBodyPrefix bounds how much of the body is embedded.
	DefaultBodyPrefix = 2000
)

// excerptOf returns the item's excerpt, falling back to the start of the
// body, truncated to n characters.
func excerptOf(c domain.Content, n int) string {
	ex := strings.TrimSpace(c.Excerpt)
	if ex == "" {
		ex = strings.TrimSpace(c.Body)
	}
	return embed.Truncate(ex, n)
}

// embeddingText concatenates title, excerpt and a bounded body prefix.
func embeddingText(c domain.Content, excerpt string, bodyPrefix int) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{
		strings.TrimSpace(c.Title),
		excerpt,
		strings.TrimSpace(embed.Truncate(c.Body, bodyPrefix)),
	} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// flatten converts a content item into scalar index metadata. Attribute
// values that are not scalars fail the write.
func flatten(c domain.Content, excerpt string) (semantic.Metadata, error) {
	md := semantic.Metadata{
		ContentID:    c.ID,
		Title:        c.Title,
		Slug:         c.Slug,
		Excerpt:      excerpt,
		CategoryID:   c.CategoryID,
		CategoryName: c.CategoryName,
		AuthorID:     c.AuthorID,
		Status:       string(c.Status),
		Views:        c.Views,
		LikesCount:   c.LikesCount,
		Tags:         semantic.JoinTags(c.Tags),
	}
	if !c.PublishedAt.IsZero() {
		md.PublishedAt = c.PublishedAt.UnixMilli()
	}
	if len(c.Attributes) > 0 {
		md.Extra = make(map[string]semantic.Value, len(c.Attributes))
		for k, v := range c.Attributes {
			val, err := semantic.ValueOf(v)
			if err != nil {
				return semantic.Metadata{}, fmt.Errorf("attribute %q: %w", k, err)
			}
			md.Extra[k] = val
		}
	}
	return md, nil
}

// fingerprint hashes everything that ends up in the index record, so a
// match means re-indexing would write identical data.
func fingerprint(text string, md semantic.Metadata) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})

	fields := md.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		fmt.Fprintf(h, "%s=%s:%v\x00", k, v.Kind(), v.Any())
	}
	return hex.EncodeToString(h.Sum(nil))
}
