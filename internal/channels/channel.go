// Package channels connects the host to its prompt source. An Adapter
// delivers inbound prompt envelopes and carries responses back.
package channels

import (
	"context"

	"github.com/warren-ai/warren/pkg/models"
)

// Adapter is the transport between the agent host and the device
// relaying user prompts.
type Adapter interface {
	// Start establishes the connection and begins receiving messages.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down and closes Messages.
	Stop(ctx context.Context) error

	// Send delivers one outbound envelope.
	Send(ctx context.Context, env *models.Envelope) error

	// Messages returns the inbound prompt stream. Only envelopes
	// addressed to the agent with type new_prompt are delivered.
	Messages() <-chan *models.Envelope

	// Status reports the current connection state.
	Status() Status
}

// Status is a point-in-time view of the adapter connection.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"`
}
