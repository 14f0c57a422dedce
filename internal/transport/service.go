// Package transport connects the conversation engine to messaging channels.
//
// A Service delivers outbound text and surfaces inbound messages; the Bridge
// pumps inbound messages through the engine and executes the directives it
// emits, including webhook and AI-agent delivery.
package transport

import (
	"context"
	"time"
)

// InboundMessage is one message received from a channel, normalized to the
// engine's inbound contract.
type InboundMessage struct {
	// From is the channel-level account id of the sender.
	From     string
	Username string
	Body     string
	// MessageID is the channel's message id, used for de-duplication by the
	// channel and for agent-call correlation by the engine.
	MessageID string
	ThreadID  string
	Time      time.Time
}

// Service is a pluggable message channel. Implementations exist for
// WhatsApp via whatsmeow, WhatsApp via Twilio, and an in-memory mock.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each channel has its own addressing rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers plain text to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event polling, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error

	// Inbound returns the channel of incoming messages.
	Inbound() <-chan InboundMessage
}
