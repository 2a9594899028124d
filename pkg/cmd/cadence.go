package cmd

import (
	"log/slog"
	"strings"

	"github.com/pushline/pushline/pkg/persistence"
	"github.com/pushline/pushline/pkg/persistence/redis"
)

// NewCadenceRepository selects the cadence store. A redis:// URL points the
// filter at the shared low-latency store; without one, cadence history lives
// next to the rest of the data in the primary backend. The returned closer is
// a no-op for the shared backend.
func NewCadenceRepository(cadenceURL string, store persistence.Persistence, logger *slog.Logger) (persistence.CadenceRepository, func() error, error) {
	if strings.HasPrefix(cadenceURL, "redis://") || strings.HasPrefix(cadenceURL, "rediss://") {
		repo, err := redis.NewCadenceRepository(cadenceURL, logger)
		if err != nil {
			return nil, nil, err
		}

		return repo, repo.Close, nil
	}

	return store.CadenceRepository(), func() error { return nil }, nil
}
