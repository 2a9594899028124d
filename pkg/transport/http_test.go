package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestHTTPTransportSend(t *testing.T) {
	var received sendRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(Result{
			Sent:     2,
			Failed:   1,
			Failures: map[string]string{"user-3": "token expired"},
		})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, models.ChannelPush, time.Second, testLogger())

	result, err := transport.Send(context.Background(), Message{Title: "Hi", Body: "Body"}, []string{"user-1", "user-2", "user-3"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.HardFailure())

	assert.Equal(t, "push", received.Channel)
	assert.Equal(t, []string{"user-1", "user-2", "user-3"}, received.UserIDs)
}

func TestHTTPTransportGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, models.ChannelPush, time.Second, testLogger())

	_, err := transport.Send(context.Background(), Message{Body: "Body"}, []string{"user-1"})
	assert.Error(t, err)
}

func TestHTTPTransportEmptyRecipients(t *testing.T) {
	transport := NewHTTPTransport("http://unused", models.ChannelEmail, time.Second, testLogger())

	result, err := transport.Send(context.Background(), Message{Body: "Body"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
}

func TestResultHardFailure(t *testing.T) {
	assert.True(t, Result{Sent: 0, Failed: 5}.HardFailure())
	assert.False(t, Result{Sent: 1, Failed: 4}.HardFailure())
	assert.False(t, Result{}.HardFailure())
}

func TestRegistryFor(t *testing.T) {
	push := NewHTTPTransport("http://push", models.ChannelPush, time.Second, testLogger())
	registry := Registry{models.ChannelPush: push}

	assert.Equal(t, Transport(push), registry.For(models.ChannelPush))
	assert.Nil(t, registry.For(models.ChannelEmail))
}
