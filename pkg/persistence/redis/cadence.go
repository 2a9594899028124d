// Package redis provides a Redis-backed cadence store. Cadence lookups are
// the hot path of audience filtering and are key-value shaped, so they get a
// dedicated backend independent of the relational store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/pushline/pushline/pkg/models"
)

const (
	sentAtField      = "sent_at"
	sendEventIDField = "send_event_id"
)

// CadenceRepository implements persistence.CadenceRepository on Redis hashes,
// one hash per (user, layer).
type CadenceRepository struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewCadenceRepository creates a cadence repository from a Redis URL.
func NewCadenceRepository(redisURL string, logger *slog.Logger) (*CadenceRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &CadenceRepository{
		client: redis.NewClient(opts),
		logger: logger.With("module", "cadence_redis"),
	}, nil
}

// NewCadenceRepositoryWithClient wraps an existing client, used by tests.
func NewCadenceRepositoryWithClient(client redis.UniversalClient, logger *slog.Logger) *CadenceRepository {
	return &CadenceRepository{client: client, logger: logger}
}

func key(userID string, layer models.LayerID) string {
	return fmt.Sprintf("cadence:%s:%d", userID, layer)
}

// LastSent returns the most recent record for the user in the layer, nil when
// no hash exists.
func (r *CadenceRepository) LastSent(ctx context.Context, userID string, layer models.LayerID) (*models.CadenceRecord, error) {
	fields, err := r.client.HGetAll(ctx, key(userID, layer)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cadence hash: %w", err)
	}

	if len(fields) == 0 {
		return nil, nil
	}

	sentAt, err := time.Parse(time.RFC3339Nano, fields[sentAtField])
	if err != nil {
		return nil, fmt.Errorf("corrupt cadence timestamp for %s: %w", userID, err)
	}

	return &models.CadenceRecord{
		UserID:      userID,
		LayerID:     layer,
		SentAt:      sentAt,
		SendEventID: fields[sendEventIDField],
	}, nil
}

// RecordSends writes one hash per recipient, skipping users whose stored
// send event id already matches, so retried writes never move the window.
func (r *CadenceRepository) RecordSends(ctx context.Context, userIDs []string, layer models.LayerID, sendEventID string, sentAt time.Time) error {
	for _, userID := range userIDs {
		existing, err := r.client.HGet(ctx, key(userID, layer), sendEventIDField).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read cadence event id for %s: %w", userID, err)
		}

		if existing == sendEventID {
			continue
		}

		err = r.client.HSet(ctx, key(userID, layer), map[string]any{
			sentAtField:      sentAt.UTC().Format(time.RFC3339Nano),
			sendEventIDField: sendEventID,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to write cadence hash for %s: %w", userID, err)
		}
	}

	return nil
}

// Close releases the underlying client.
func (r *CadenceRepository) Close() error {
	return r.client.Close()
}
