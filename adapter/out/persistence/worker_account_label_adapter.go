package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"transform_worker/core/port/out"
)

// =============================================================================
// Account Label Adapter
// =============================================================================

// LabelAdapter implements out.LabelRepository using PostgreSQL.
type LabelAdapter struct {
	db *sqlx.DB
}

var _ out.LabelRepository = (*LabelAdapter)(nil)

// NewLabelAdapter creates a new LabelAdapter.
func NewLabelAdapter(db *sqlx.DB) *LabelAdapter {
	return &LabelAdapter{db: db}
}

type labelRow struct {
	AccountID int64  `db:"account_id"`
	LabelID   string `db:"label_id"`
	LabelName string `db:"label_name"`
}

// LabelMaps returns account_id -> (label_id -> label_name) for the given
// accounts. Accounts with no labels map to an empty map.
func (a *LabelAdapter) LabelMaps(ctx context.Context, accountIDs []int64) (map[int64]map[string]string, error) {
	maps := make(map[int64]map[string]string, len(accountIDs))
	for _, id := range accountIDs {
		maps[id] = map[string]string{}
	}
	if len(accountIDs) == 0 {
		return maps, nil
	}

	query := `SELECT account_id, label_id, label_name FROM account_labels
		WHERE account_id = ANY($1)`

	var rows []labelRow
	if err := a.db.SelectContext(ctx, &rows, query, pq.Array(accountIDs)); err != nil {
		return nil, fmt.Errorf("failed to load account labels: %w", err)
	}
	for _, r := range rows {
		if maps[r.AccountID] == nil {
			maps[r.AccountID] = map[string]string{}
		}
		maps[r.AccountID][r.LabelID] = r.LabelName
	}
	return maps, nil
}
