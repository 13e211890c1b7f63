// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
)

// =============================================================================
// Email Adapter (PostgreSQL + pgvector)
// =============================================================================

// EmailAdapter implements out.EmailRepository using PostgreSQL.
type EmailAdapter struct {
	db *sqlx.DB
}

var _ out.EmailRepository = (*EmailAdapter)(nil)

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

// emailSelectColumns are the raw columns the transform reads. Vector columns
// are write-only for this adapter.
const emailSelectColumns = `
	e.id, e.account_id, e.gmail_id, e.thread_id,
	e.subject, e.from_email, e.from_name, e.sent_at,
	e.labels, e.has_attachments, e.body_text, e.snippet,
	e.transform_completed_at, e.deleted_at`

// emailRow represents the raw database row for emails.
type emailRow struct {
	ID        int64          `db:"id"`
	AccountID int64          `db:"account_id"`
	GmailID   string         `db:"gmail_id"`
	ThreadID  sql.NullString `db:"thread_id"`

	Subject   sql.NullString `db:"subject"`
	FromEmail sql.NullString `db:"from_email"`
	FromName  sql.NullString `db:"from_name"`
	SentAt    sql.NullTime   `db:"sent_at"`

	Labels         pq.StringArray `db:"labels"`
	HasAttachments bool           `db:"has_attachments"`

	BodyText sql.NullString `db:"body_text"`
	Snippet  sql.NullString `db:"snippet"`

	TransformCompletedAt sql.NullTime `db:"transform_completed_at"`
	DeletedAt            sql.NullTime `db:"deleted_at"`
}

func (r *emailRow) toEntity() *domain.Email {
	e := &domain.Email{
		ID:             r.ID,
		AccountID:      r.AccountID,
		GmailID:        r.GmailID,
		ThreadID:       r.ThreadID.String,
		Subject:        r.Subject.String,
		FromEmail:      r.FromEmail.String,
		FromName:       r.FromName.String,
		Labels:         r.Labels,
		HasAttachments: r.HasAttachments,
		BodyText:       r.BodyText.String,
		Snippet:        r.Snippet.String,
	}
	if r.SentAt.Valid {
		e.SentAt = r.SentAt.Time
	}
	if r.TransformCompletedAt.Valid {
		t := r.TransformCompletedAt.Time
		e.TransformCompletedAt = &t
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		e.DeletedAt = &t
	}
	return e
}

// =============================================================================
// Selection
// =============================================================================

// SelectIDs returns eligible email ids in ascending order.
func (a *EmailAdapter) SelectIDs(ctx context.Context, sel out.EmailSelection) ([]int64, error) {
	query := `SELECT e.id FROM emails e
		WHERE e.deleted_at IS NULL AND e.body_text IS NOT NULL`
	var args []interface{}

	if sel.EmailID != nil {
		args = append(args, *sel.EmailID)
		query += fmt.Sprintf(" AND e.id = $%d", len(args))
	}
	if sel.AccountID != nil {
		args = append(args, *sel.AccountID)
		query += fmt.Sprintf(" AND e.account_id = $%d", len(args))
	}
	if !sel.Force && sel.EmailID == nil {
		query += " AND e.transform_completed_at IS NULL"
	}
	query += " ORDER BY e.id"
	if sel.Limit > 0 {
		args = append(args, sel.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var ids []int64
	if err := a.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select email ids: %w", err)
	}
	return ids, nil
}

// LoadBatch loads full raw rows for the given ids. Rows deleted or emptied
// since selection are silently omitted.
func (a *EmailAdapter) LoadBatch(ctx context.Context, ids []int64) ([]*domain.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + emailSelectColumns + ` FROM emails e
		WHERE e.id = ANY($1) AND e.deleted_at IS NULL AND e.body_text IS NOT NULL
		ORDER BY e.id`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to load email batch: %w", err)
	}

	emails := make([]*domain.Email, 0, len(rows))
	for i := range rows {
		emails = append(emails, rows[i].toEntity())
	}
	return emails, nil
}

// =============================================================================
// Derived Writes
// =============================================================================

const updateDerivedQuery = `
	UPDATE emails SET
		privacy_tier = $1,
		body_redacted = $2,
		snippet_redacted = $3,
		subject_embedding = $4,
		body_embedding = $5,
		body_pooled_embedding = $6,
		transform_completed_at = $7,
		updated_at = $7
	WHERE id = $8`

const insertChunkQuery = `
	INSERT INTO email_chunks (email_id, chunk_text, chunk_position, chunk_weight, chunk_embedding)
	VALUES ($1, $2, $3, $4, $5)`

// WriteDerivedBatch persists the derived state for each result inside one
// transaction. Any failure rolls back the whole batch.
func (a *EmailAdapter) WriteDerivedBatch(ctx context.Context, results []*out.DerivedResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, res := range results {
		if _, err := tx.ExecContext(ctx, updateDerivedQuery,
			int(res.PrivacyTier),
			res.BodyRedacted,
			res.SnippetRedacted,
			vectorParam(res.SubjectEmbedding),
			vectorParam(res.BodyEmbedding),
			vectorParam(res.BodyPooledEmbedding),
			now,
			res.EmailID,
		); err != nil {
			return fmt.Errorf("failed to update email %d: %w", res.EmailID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM email_chunks WHERE email_id = $1`, res.EmailID); err != nil {
			return fmt.Errorf("failed to clear chunks for email %d: %w", res.EmailID, err)
		}
		for _, chunk := range res.Chunks {
			if _, err := tx.ExecContext(ctx, insertChunkQuery,
				res.EmailID, chunk.Text, chunk.Position, chunk.Weight,
				vectorParam(chunk.Embedding),
			); err != nil {
				return fmt.Errorf("failed to insert chunk %d for email %d: %w",
					chunk.Position, res.EmailID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit derived batch: %w", err)
	}
	return nil
}

// ResetDerived clears all derived columns and chunk rows, optionally scoped
// to one account. Returns the number of emails reset.
func (a *EmailAdapter) ResetDerived(ctx context.Context, accountID *int64) (int64, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	chunkQuery := `DELETE FROM email_chunks c USING emails e WHERE c.email_id = e.id`
	resetQuery := `UPDATE emails SET
		privacy_tier = NULL,
		body_redacted = NULL,
		snippet_redacted = NULL,
		subject_embedding = NULL,
		body_embedding = NULL,
		body_pooled_embedding = NULL,
		transform_completed_at = NULL
	WHERE deleted_at IS NULL`

	var args []interface{}
	if accountID != nil {
		args = append(args, *accountID)
		chunkQuery += " AND e.account_id = $1"
		resetQuery += " AND account_id = $1"
	}

	if _, err := tx.ExecContext(ctx, chunkQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	result, err := tx.ExecContext(ctx, resetQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset derived columns: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}
	return affected, nil
}

// =============================================================================
// pgvector Helpers
// =============================================================================

// vectorParam renders an embedding for a pgvector column, passing NULL for
// absent vectors.
func vectorParam(v []float32) interface{} {
	if v == nil {
		return nil
	}
	return pgVector(v)
}

// pgVector converts float32 slice to pgvector format string.
func pgVector(v []float32) string {
	if len(v) == 0 {
		return "[0]"
	}

	buf := make([]byte, 0, len(v)*13+2)
	buf = append(buf, '[')

	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = fmt.Appendf(buf, "%f", f)
	}

	buf = append(buf, ']')
	return string(buf)
}
