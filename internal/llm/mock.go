package llm

import (
	"context"
	"sync"
)

// MockClient replays scripted completions in order. Safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     [][]Message
}

// Complete returns the next scripted response. The last response repeats
// once the script is exhausted.
func (m *MockClient) Complete(_ context.Context, messages []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := len(m.Calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}
