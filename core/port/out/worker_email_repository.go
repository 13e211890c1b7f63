// Package out defines outbound ports (driven ports) for the application.
// These interfaces represent dependencies that the application needs.
package out

import (
	"context"

	"transform_worker/core/domain"
)

// =============================================================================
// Email Repository (PostgreSQL)
// =============================================================================

// EmailSelection narrows which raw emails a transform run picks up.
// Rows with a deletion marker or a NULL body are never selected.
type EmailSelection struct {
	AccountID *int64
	EmailID   *int64
	// Force re-selects emails that already completed a transform. It is
	// implied when EmailID is set.
	Force bool
	Limit int
}

// DerivedResult is the full derived state written for one email in a single
// transaction: updated columns plus the replacement chunk set.
type DerivedResult struct {
	EmailID int64

	PrivacyTier         domain.PrivacyTier
	BodyRedacted        string
	SnippetRedacted     string
	SubjectEmbedding    []float32
	BodyEmbedding       []float32
	BodyPooledEmbedding []float32

	Chunks []domain.EmailChunk
}

// EmailRepository is the outbound port for raw email reads and derived-state
// writes. Raw body_text is never mutated through this port.
type EmailRepository interface {
	// SelectIDs returns the primary keys of eligible emails in ascending
	// order, applying the selection filters and limit.
	SelectIDs(ctx context.Context, sel EmailSelection) ([]int64, error)

	// LoadBatch loads full raw rows for the given ids. Rows that have
	// disappeared or lost their body since selection are omitted.
	LoadBatch(ctx context.Context, ids []int64) ([]*domain.Email, error)

	// WriteDerivedBatch persists the derived state for each result inside
	// one transaction: update derived columns, delete existing chunk rows,
	// insert the new ones, set transform_completed_at. Results are written
	// in slice order.
	WriteDerivedBatch(ctx context.Context, results []*DerivedResult) error

	// ResetDerived clears all derived columns and chunk rows, optionally
	// for a single account. Returns the number of emails reset.
	ResetDerived(ctx context.Context, accountID *int64) (int64, error)
}

// ValidationRepository scans the derived state for invariant violations.
type ValidationRepository interface {
	// DerivedIssues returns one entry per violation class with the number
	// of offending rows, optionally scoped to an account. Classes with
	// zero rows are included so reports are stable.
	DerivedIssues(ctx context.Context, accountID *int64) ([]domain.ValidationIssue, error)
}

// LabelRepository resolves Gmail label ids to display names per account.
type LabelRepository interface {
	// LabelMaps returns account_id -> (label_id -> label_name) for the
	// given accounts. Accounts with no labels map to an empty map.
	LabelMaps(ctx context.Context, accountIDs []int64) (map[int64]map[string]string, error)
}
