package cmd

import (
	"log/slog"
	"time"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/transport"
)

// NewTransportRegistry wires one HTTP gateway per configured channel. A
// channel without a gateway URL stays unregistered and fails fast at send
// time.
func NewTransportRegistry(pushGatewayURL, emailGatewayURL string, timeout time.Duration, logger *slog.Logger) transport.Registry {
	registry := transport.Registry{}

	if pushGatewayURL != "" {
		registry[models.ChannelPush] = transport.NewHTTPTransport(pushGatewayURL, models.ChannelPush, timeout, logger)
	}

	if emailGatewayURL != "" {
		registry[models.ChannelEmail] = transport.NewHTTPTransport(emailGatewayURL, models.ChannelEmail, timeout, logger)
	}

	return registry
}
