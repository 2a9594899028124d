package audience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPUserSource resolves declarative filters through the user service's
// query endpoint.
type HTTPUserSource struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPUserSource creates a user source against the given query endpoint.
func NewHTTPUserSource(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPUserSource {
	return &HTTPUserSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "audience_user_source"),
	}
}

type userQueryRequest struct {
	Filter map[string]any `json:"filter"`
}

type userQueryResponse struct {
	UserIDs []string `json:"user_ids"`
}

// UsersMatching queries the user service for ids matching the filter.
func (s *HTTPUserSource) UsersMatching(ctx context.Context, filter map[string]any) ([]string, error) {
	payload, err := json.Marshal(userQueryRequest{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to encode user query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build user query request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user service unreachable: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("user service returned status %d", resp.StatusCode)
	}

	var result userQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode user query response: %w", err)
	}

	return result.UserIDs, nil
}
