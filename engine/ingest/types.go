package ingest

import (
	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/semantic"
)

// Request asks the pipeline to index one content item. Force bypasses the
// sync ledger.
type Request struct {
	Content domain.Content
	Force   bool
}

// Prepared is a content item flattened for the index and ready to embed.
type Prepared struct {
	ID          string
	Text        string
	Metadata    semantic.Metadata
	Fingerprint string
	// Unchanged is set when the ledger shows this exact input was already
	// written; later stages pass it through untouched.
	Unchanged bool
}

// Embedded is a prepared item with its embedding.
type Embedded struct {
	Prepared
	Embedding []float32
}

// Outcome reports what a sync did.
type Outcome string

const (
	// OutcomeIndexed means the record was written to the index.
	OutcomeIndexed Outcome = "indexed"
	// OutcomeUnchanged means the ledger matched and nothing was written.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSkipped means the embedding provider or the index is unavailable.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the item could not be indexed.
	OutcomeFailed Outcome = "failed"
)
