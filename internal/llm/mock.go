package llm

import (
	"context"
	"sync"
)

// MockProvider implements Provider and Transcriber for tests. It records
// requests and answers with Reply, or Err when set.
type MockProvider struct {
	mu       sync.Mutex
	requests []Request

	Reply         string
	Err           error
	Transcript    string
	TranscribeErr error
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Reply, nil
}

func (m *MockProvider) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Transcript, m.TranscribeErr
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Last returns the most recent request.
func (m *MockProvider) Last() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return Request{}, false
	}
	return m.requests[len(m.requests)-1], true
}
