// Package mock provides a scripted Reasoner for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
)

// MockReasoner returns a fixed response or error and records requests.
type MockReasoner struct {
	mu sync.Mutex

	// AnalyzeFunc is called when Analyze is invoked. If nil, returns Response and Err.
	AnalyzeFunc func(ctx context.Context, req *analyzer.Request) (*analyzer.Response, error)
	Response    *analyzer.Response
	Err         error
	Requests    []*analyzer.Request
}

// NewMockReasoner creates a reasoner that answers with resp.
func NewMockReasoner(resp *analyzer.Response) *MockReasoner {
	return &MockReasoner{Response: resp}
}

// NewFailingReasoner creates a reasoner that always fails with err.
func NewFailingReasoner(err error) *MockReasoner {
	return &MockReasoner{Err: err}
}

// Name implements analyzer.Reasoner.
func (m *MockReasoner) Name() string { return "mock" }

// Analyze implements analyzer.Reasoner.
func (m *MockReasoner) Analyze(ctx context.Context, req *analyzer.Request) (*analyzer.Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn, resp, err := m.AnalyzeFunc, m.Response, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Calls returns how many times Analyze was invoked.
func (m *MockReasoner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// Ensure MockReasoner implements analyzer.Reasoner.
var _ analyzer.Reasoner = (*MockReasoner)(nil)
