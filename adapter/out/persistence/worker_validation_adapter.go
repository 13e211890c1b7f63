package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
)

// =============================================================================
// Validation Adapter
// =============================================================================

// ValidationAdapter implements out.ValidationRepository with count queries
// over the derived columns.
type ValidationAdapter struct {
	db *sqlx.DB
}

var _ out.ValidationRepository = (*ValidationAdapter)(nil)

// NewValidationAdapter creates a new ValidationAdapter.
func NewValidationAdapter(db *sqlx.DB) *ValidationAdapter {
	return &ValidationAdapter{db: db}
}

// validationCheck pairs a violation class with the query counting it. Every
// query takes the same single argument: an account id or NULL for all.
type validationCheck struct {
	name  string
	query string
}

var validationChecks = []validationCheck{
	{
		name: "completed_without_valid_tier",
		query: `SELECT COUNT(*) FROM emails e
			WHERE e.deleted_at IS NULL
			  AND e.transform_completed_at IS NOT NULL
			  AND (e.privacy_tier IS NULL OR e.privacy_tier NOT IN (1, 2, 3))
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		name: "completed_without_redacted_body",
		query: `SELECT COUNT(*) FROM emails e
			WHERE e.deleted_at IS NULL
			  AND e.transform_completed_at IS NOT NULL
			  AND e.body_text IS NOT NULL AND btrim(e.body_text) <> ''
			  AND (e.body_redacted IS NULL OR btrim(e.body_redacted) = '')
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		name: "chunked_with_whole_body_embedding",
		query: `SELECT COUNT(DISTINCT e.id) FROM emails e
			JOIN email_chunks c ON c.email_id = e.id
			WHERE e.body_embedding IS NOT NULL
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		name: "chunked_without_pooled_embedding",
		query: `SELECT COUNT(DISTINCT e.id) FROM emails e
			JOIN email_chunks c ON c.email_id = e.id
			WHERE e.body_pooled_embedding IS NULL
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		name: "sensitive_with_subject_embedding",
		query: `SELECT COUNT(*) FROM emails e
			WHERE e.deleted_at IS NULL
			  AND e.privacy_tier = 1
			  AND e.subject_embedding IS NOT NULL
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		name: "chunks_with_null_embedding",
		query: `SELECT COUNT(*) FROM email_chunks c
			JOIN emails e ON e.id = c.email_id
			WHERE c.chunk_embedding IS NULL
			  AND ($1::bigint IS NULL OR e.account_id = $1)`,
	},
	{
		// A chunk with no email row has no account, so the account filter
		// applies only to the deleted-email branch.
		name: "orphaned_chunks",
		query: `SELECT COUNT(*) FROM email_chunks c
			LEFT JOIN emails e ON e.id = c.email_id
			WHERE (e.id IS NULL
			   OR (e.deleted_at IS NOT NULL
			       AND ($1::bigint IS NULL OR e.account_id = $1)))`,
	},
}

// DerivedIssues runs every validation query and returns the counts.
func (a *ValidationAdapter) DerivedIssues(ctx context.Context, accountID *int64) ([]domain.ValidationIssue, error) {
	var arg interface{}
	if accountID != nil {
		arg = *accountID
	}

	issues := make([]domain.ValidationIssue, 0, len(validationChecks))
	for _, check := range validationChecks {
		var count int64
		if err := a.db.GetContext(ctx, &count, check.query, arg); err != nil {
			return nil, fmt.Errorf("validation check %s failed: %w", check.name, err)
		}
		issues = append(issues, domain.ValidationIssue{Name: check.name, Count: count})
	}
	return issues, nil
}
