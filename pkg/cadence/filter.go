// Package cadence implements the audience frequency cap: users recently
// contacted in a notification layer are excluded from the next send in that
// layer until the layer's cooldown elapses.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// ErrFilterSkipped reports that a data-access fault made the filter fail
// open: the caller received the unfiltered candidate list and may proceed,
// but must be able to observe that no cooldown was applied.
var ErrFilterSkipped = errors.New("cadence filter skipped, audience unfiltered")

// ErrFilterUnavailable reports a fault on a layer configured fail-closed;
// the caller must not send.
var ErrFilterUnavailable = errors.New("cadence filter unavailable for fail-closed layer")

// Clock supplies the current time; swapped out in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns wall-clock time in UTC.
func SystemClock() Clock { return systemClock{} }

// Filter excludes users whose most recent send in a layer falls inside the
// layer's cooldown window. Delivery availability is valued over
// send-frequency precision: by default a store fault fails open.
type Filter struct {
	repo   persistence.CadenceRepository
	policy models.CadencePolicy
	clock  Clock
	logger *slog.Logger
}

// NewFilter creates a filter over the given cadence store and policy.
func NewFilter(repo persistence.CadenceRepository, policy models.CadencePolicy, logger *slog.Logger) *Filter {
	return &Filter{
		repo:   repo,
		policy: policy,
		clock:  SystemClock(),
		logger: logger.With("module", "cadence_filter"),
	}
}

// WithClock replaces the time source, used by tests.
func (f *Filter) WithClock(clock Clock) *Filter {
	f.clock = clock

	return f
}

// Filter returns the users eligible for a send in the layer and the count of
// excluded users. On a store fault it fails open (eligible == input,
// excluded == 0) and reports the fault through the returned error. A layer
// configured fail-closed returns no users instead.
func (f *Filter) Filter(ctx context.Context, userIDs []string, layer models.LayerID) ([]string, int, error) {
	if !layer.Valid() {
		return nil, 0, fmt.Errorf("invalid layer %d", layer)
	}

	cooldown := f.policy.Cooldown(layer)
	if cooldown <= 0 {
		return userIDs, 0, nil
	}

	now := f.clock.Now()
	eligible := make([]string, 0, len(userIDs))
	excluded := 0

	for _, userID := range userIDs {
		record, err := f.repo.LastSent(ctx, userID, layer)
		if err != nil {
			return f.failOpen(ctx, userIDs, layer, err)
		}

		if record != nil && now.Sub(record.SentAt) < cooldown {
			excluded++

			continue
		}

		eligible = append(eligible, userID)
	}

	return eligible, excluded, nil
}

func (f *Filter) failOpen(ctx context.Context, userIDs []string, layer models.LayerID, cause error) ([]string, int, error) {
	if f.policy.FailsClosed(layer) {
		f.logger.ErrorContext(ctx, "Cadence store fault on fail-closed layer, blocking send",
			"layer", layer,
			"error", cause)

		return nil, 0, fmt.Errorf("%w: %w", ErrFilterUnavailable, cause)
	}

	f.logger.ErrorContext(ctx, "Cadence store fault, failing open",
		"layer", layer,
		"candidates", len(userIDs),
		"error", cause)

	return userIDs, 0, fmt.Errorf("%w: %w", ErrFilterSkipped, cause)
}

// Record persists the recipients of a completed live send for the layer.
// Idempotent per (user, layer, send event).
func (f *Filter) Record(ctx context.Context, userIDs []string, layer models.LayerID, sendEventID string) error {
	if len(userIDs) == 0 {
		return nil
	}

	if err := f.repo.RecordSends(ctx, userIDs, layer, sendEventID, f.clock.Now()); err != nil {
		return fmt.Errorf("failed to record cadence for layer %d: %w", layer, err)
	}

	return nil
}

// Skipped reports whether the error from Filter means the send may proceed
// with an unfiltered audience.
func Skipped(err error) bool {
	return errors.Is(err, ErrFilterSkipped)
}
