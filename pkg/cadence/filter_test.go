package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/models"
)

func key(userID string, layer models.LayerID) string {
	return fmt.Sprintf("%s:%d", userID, layer)
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type stubCadenceRepo struct {
	records map[string]*models.CadenceRecord // keyed user:layer
	err     error
	writes  int
}

func (s *stubCadenceRepo) LastSent(_ context.Context, userID string, layer models.LayerID) (*models.CadenceRecord, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.records[key(userID, layer)], nil
}

func (s *stubCadenceRepo) RecordSends(_ context.Context, userIDs []string, layer models.LayerID, sendEventID string, sentAt time.Time) error {
	if s.err != nil {
		return s.err
	}

	if s.records == nil {
		s.records = make(map[string]*models.CadenceRecord)
	}

	for _, userID := range userIDs {
		s.writes++
		s.records[key(userID, layer)] = &models.CadenceRecord{
			UserID:      userID,
			LayerID:     layer,
			SentAt:      sentAt,
			SendEventID: sendEventID,
		}
	}

	return nil
}

func newTestFilter(repo *stubCadenceRepo, policy models.CadencePolicy, now time.Time) *Filter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	return NewFilter(repo, policy, logger).WithClock(fakeClock{now: now})
}

func TestFilterExcludesUsersInsideCooldown(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	policy := models.CadencePolicy{
		Cooldowns: map[models.LayerID]time.Duration{3: 7 * 24 * time.Hour},
	}

	repo := &stubCadenceRepo{records: map[string]*models.CadenceRecord{
		// Sent 3 days ago: inside the 7-day window, excluded.
		key("user-recent", 3): {UserID: "user-recent", LayerID: 3, SentAt: now.Add(-3 * 24 * time.Hour)},
		// Sent 8 days ago: outside the window, eligible.
		key("user-stale", 3): {UserID: "user-stale", LayerID: 3, SentAt: now.Add(-8 * 24 * time.Hour)},
	}}

	filter := newTestFilter(repo, policy, now)

	eligible, excluded, err := filter.Filter(context.Background(), []string{"user-recent", "user-stale", "user-new"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-stale", "user-new"}, eligible)
	assert.Equal(t, 1, excluded)
}

func TestFilterLayersAreIndependent(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	policy := models.CadencePolicy{
		Cooldowns: map[models.LayerID]time.Duration{
			2: 7 * 24 * time.Hour,
			3: 7 * 24 * time.Hour,
		},
	}

	repo := &stubCadenceRepo{records: map[string]*models.CadenceRecord{
		key("user-1", 3): {UserID: "user-1", LayerID: 3, SentAt: now.Add(-time.Hour)},
	}}

	filter := newTestFilter(repo, policy, now)

	// Excluded for layer 3 where the recent send happened.
	eligible, excluded, err := filter.Filter(context.Background(), []string{"user-1"}, 3)
	require.NoError(t, err)
	assert.Empty(t, eligible)
	assert.Equal(t, 1, excluded)

	// Eligible for layer 2 in the same time window.
	eligible, excluded, err = filter.Filter(context.Background(), []string{"user-1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, eligible)
	assert.Equal(t, 0, excluded)
}

func TestFilterFailsOpenOnStoreFault(t *testing.T) {
	now := time.Now().UTC()
	policy := models.CadencePolicy{
		Cooldowns: map[models.LayerID]time.Duration{3: 7 * 24 * time.Hour},
	}

	repo := &stubCadenceRepo{err: errors.New("connection refused")}
	filter := newTestFilter(repo, policy, now)

	input := []string{"user-1", "user-2", "user-3"}

	eligible, excluded, err := filter.Filter(context.Background(), input, 3)
	assert.True(t, Skipped(err))
	assert.Equal(t, input, eligible)
	assert.Equal(t, 0, excluded)
}

func TestFilterFailsClosedWhenConfigured(t *testing.T) {
	now := time.Now().UTC()
	policy := models.CadencePolicy{
		Cooldowns:  map[models.LayerID]time.Duration{1: 14 * 24 * time.Hour},
		FailClosed: map[models.LayerID]bool{1: true},
	}

	repo := &stubCadenceRepo{err: errors.New("connection refused")}
	filter := newTestFilter(repo, policy, now)

	eligible, excluded, err := filter.Filter(context.Background(), []string{"user-1"}, 1)
	require.Error(t, err)
	assert.False(t, Skipped(err))
	assert.ErrorIs(t, err, ErrFilterUnavailable)
	assert.Empty(t, eligible)
	assert.Equal(t, 0, excluded)
}

func TestFilterNoCooldownConfigured(t *testing.T) {
	filter := newTestFilter(&stubCadenceRepo{}, models.CadencePolicy{}, time.Now().UTC())

	input := []string{"user-1", "user-2"}

	eligible, excluded, err := filter.Filter(context.Background(), input, 4)
	require.NoError(t, err)
	assert.Equal(t, input, eligible)
	assert.Equal(t, 0, excluded)
}

func TestFilterRejectsInvalidLayer(t *testing.T) {
	filter := newTestFilter(&stubCadenceRepo{}, models.CadencePolicy{}, time.Now().UTC())

	_, _, err := filter.Filter(context.Background(), []string{"user-1"}, 7)
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubCadenceRepo{}
	filter := newTestFilter(repo, models.CadencePolicy{}, now)

	require.NoError(t, filter.Record(context.Background(), []string{"user-1", "user-2"}, 3, "event-1"))
	assert.Equal(t, 2, repo.writes)

	record := repo.records[key("user-1", 3)]
	require.NotNil(t, record)
	assert.Equal(t, "event-1", record.SendEventID)

	// Empty recipient lists are a no-op, not an error.
	require.NoError(t, filter.Record(context.Background(), nil, 3, "event-2"))
}
