package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pushline/pushline/pkg/models"
)

// CadenceRepository stores the most recent send per (user, layer) as one JSON
// document under <root>/cadence. Retried writes with the same send event id
// are no-ops.
type CadenceRepository struct {
	root string
	mu   sync.RWMutex
}

// NewCadenceRepository creates a new cadence repository.
func NewCadenceRepository(root string) *CadenceRepository {
	return &CadenceRepository{root: root}
}

func (cr *CadenceRepository) path(userID string, layer models.LayerID) string {
	return filepath.Join(cr.root, "cadence", fmt.Sprintf("%s_layer%d.json", userID, layer))
}

// LastSent returns the most recent record for the user in the layer, nil when
// the user has never been contacted there.
func (cr *CadenceRepository) LastSent(ctx context.Context, userID string, layer models.LayerID) (*models.CadenceRecord, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	var record models.CadenceRecord

	if err := readJSON(cr.path(userID, layer), &record); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read cadence record: %w", err)
	}

	return &record, nil
}

// RecordSends writes one record per recipient. A record carrying the same
// send event id as the stored one is left untouched, so retried writes after
// a partial failure never move the cooldown window forward twice.
func (cr *CadenceRepository) RecordSends(ctx context.Context, userIDs []string, layer models.LayerID, sendEventID string, sentAt time.Time) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for _, userID := range userIDs {
		var existing models.CadenceRecord

		err := readJSON(cr.path(userID, layer), &existing)
		if err == nil && existing.SendEventID == sendEventID {
			continue
		}

		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read cadence record for %s: %w", userID, err)
		}

		record := models.CadenceRecord{
			UserID:      userID,
			LayerID:     layer,
			SentAt:      sentAt,
			SendEventID: sendEventID,
		}

		if err := writeJSON(cr.path(userID, layer), record); err != nil {
			return fmt.Errorf("failed to write cadence record for %s: %w", userID, err)
		}
	}

	return nil
}
