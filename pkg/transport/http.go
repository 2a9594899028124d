package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pushline/pushline/pkg/models"
)

// HTTPTransport posts send batches to a delivery gateway. The gateway answers
// with per-recipient counts; any non-2xx response or connection fault is
// treated as total unavailability.
type HTTPTransport struct {
	endpoint string
	channel  models.Channel
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPTransport creates a transport for one channel against the gateway
// endpoint.
func NewHTTPTransport(endpoint string, channel models.Channel, timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		channel:  channel,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "transport", "channel", string(channel)),
	}
}

type sendRequest struct {
	Channel string   `json:"channel"`
	Message Message  `json:"message"`
	UserIDs []string `json:"user_ids"`
}

// Send delivers the message to the recipients. Partial failures come back in
// the result; an error means the gateway was unreachable.
func (t *HTTPTransport) Send(ctx context.Context, msg Message, userIDs []string) (*Result, error) {
	if len(userIDs) == 0 {
		return &Result{}, nil
	}

	payload, err := json.Marshal(sendRequest{
		Channel: string(t.channel),
		Message: msg,
		UserIDs: userIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery gateway unavailable: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("delivery gateway returned status %d", resp.StatusCode)
	}

	var result Result

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	t.logger.InfoContext(ctx, "Send batch completed",
		"recipients", len(userIDs),
		"sent", result.Sent,
		"failed", result.Failed)

	return &result, nil
}
