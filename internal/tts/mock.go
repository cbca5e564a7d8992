package tts

import (
	"context"
	"errors"
	"sync"
)

// MockProvider is a test double implementing Provider. It can be
// configured to fail the first N calls, then succeed.
type MockProvider struct {
	mu        sync.Mutex
	failNext  int
	calls     int
	lastVoice string
}

// NewMockProvider constructs a MockProvider that fails its first failNext
// calls and succeeds thereafter.
func NewMockProvider(failNext int) *MockProvider {
	return &MockProvider{failNext: failNext}
}

func (p *MockProvider) Synthesize(_ context.Context, req SynthesisRequest) (SynthesisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastVoice = req.VoiceID
	if p.calls <= p.failNext {
		return SynthesisResult{}, errors.New("mock provider: simulated failure")
	}
	return SynthesisResult{Bytes: []byte("fake-audio-" + req.Text), Format: "mp3"}, nil
}

// Calls reports how many times Synthesize was invoked.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
