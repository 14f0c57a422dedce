package transport

import (
	"context"
	"sync"
)

// SentMessage records one delivery made through the mock service.
type SentMessage struct {
	To   string
	Body string
}

// MockService implements Service in memory for tests.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	inbound chan InboundMessage

	// SendErr, when set, is returned by SendMessage.
	SendErr error
}

// NewMockService creates an in-memory service.
func NewMockService() *MockService {
	return &MockService{inbound: make(chan InboundMessage, DefaultInboundBufferSize)}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.inbound)
	return nil
}

func (m *MockService) Inbound() <-chan InboundMessage {
	return m.inbound
}

// Push feeds one inbound message, as a channel webhook or event would.
func (m *MockService) Push(msg InboundMessage) {
	m.inbound <- msg
}

// Sent returns a copy of the delivered messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
