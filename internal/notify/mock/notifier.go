// Package mock provides a recording Notifier for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/notify"
)

// MockNotifier records every Send call.
type MockNotifier struct {
	mu sync.Mutex

	// SendFunc is called when Send is invoked. If nil, returns SendError.
	SendFunc func(ctx context.Context, msg notify.Message) error
	// SendError is returned by Send if SendFunc is nil.
	SendError error
	// Messages holds every message passed to Send, including failed ones.
	Messages []notify.Message
}

// NewMockNotifier creates a notifier that accepts every message.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Name implements notify.Notifier.
func (m *MockNotifier) Name() string { return "mock" }

// Send implements notify.Notifier.
func (m *MockNotifier) Send(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	m.Messages = append(m.Messages, msg)
	fn, err := m.SendFunc, m.SendError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// SetError changes the error returned by subsequent sends.
func (m *MockNotifier) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendError = err
}

// Sent returns a copy of the recorded messages.
func (m *MockNotifier) Sent() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Ensure MockNotifier implements notify.Notifier.
var _ notify.Notifier = (*MockNotifier)(nil)
