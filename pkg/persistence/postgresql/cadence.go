package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pushline/pushline/pkg/models"
)

// CadenceRepository stores the most recent send per (user, layer).
type CadenceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCadenceRepository creates a new cadence repository.
func NewCadenceRepository(db *sql.DB, logger *slog.Logger) *CadenceRepository {
	return &CadenceRepository{db: db, logger: logger}
}

// LastSent returns the most recent record for the user in the layer, nil when
// the user has never been contacted there.
func (r *CadenceRepository) LastSent(ctx context.Context, userID string, layer models.LayerID) (*models.CadenceRecord, error) {
	query := `
		SELECT user_id, layer_id, sent_at, send_event_id
		FROM cadence_records
		WHERE user_id = $1 AND layer_id = $2
	`

	var record models.CadenceRecord

	err := r.db.QueryRowContext(ctx, query, userID, int(layer)).Scan(
		&record.UserID,
		&record.LayerID,
		&record.SentAt,
		&record.SendEventID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query cadence record: %w", err)
	}

	return &record, nil
}

// RecordSends upserts one record per recipient. The send_event_id guard makes
// retried writes for the same send event no-ops.
func (r *CadenceRepository) RecordSends(ctx context.Context, userIDs []string, layer models.LayerID, sendEventID string, sentAt time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO cadence_records (user_id, layer_id, sent_at, send_event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, layer_id) DO UPDATE SET
			sent_at = EXCLUDED.sent_at,
			send_event_id = EXCLUDED.send_event_id
		WHERE cadence_records.send_event_id <> EXCLUDED.send_event_id
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cadence transaction: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, query, userID, int(layer), sentAt, sendEventID); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record cadence for %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cadence records: %w", err)
	}

	return nil
}
