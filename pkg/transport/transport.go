// Package transport delivers campaign messages to recipients through the
// platform's push and email gateways.
package transport

import (
	"context"

	"github.com/pushline/pushline/pkg/models"
)

// Message is the content of one send.
type Message struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	// TestSend marks deliveries to the automation's test users.
	TestSend bool `json:"test_send,omitempty"`
}

// Result carries per-recipient outcome counts. Partial failure is normal and
// never surfaces as an error; Transport errors mean total unavailability.
type Result struct {
	Sent     int               `json:"sent"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures,omitempty"` // user id -> reason
}

// HardFailure reports a delivery failure for every recipient.
func (r Result) HardFailure() bool {
	return r.Sent == 0 && r.Failed > 0
}

// Transport sends one message to a list of recipients over one channel.
type Transport interface {
	Send(ctx context.Context, msg Message, userIDs []string) (*Result, error)
}

// Registry maps channels to their transports.
type Registry map[models.Channel]Transport

// For returns the transport for a channel, nil when unconfigured.
func (r Registry) For(channel models.Channel) Transport {
	return r[channel]
}
