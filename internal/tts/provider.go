package tts

import "context"

// SynthesisRequest carries everything a provider needs to synthesize one
// utterance.
type SynthesisRequest struct {
	Text     string
	Language string
	VoiceID  string
	Mode     Mode
}

// SynthesisResult is raw audio produced by a provider tier.
type SynthesisResult struct {
	Bytes  []byte
	Format string // e.g. "mp3"
}

// Provider is the small interface the engine depends on for the
// neural/standard tier, replacing the inheritance-style SDK client
// directly. Tests supply a fake; production wires AWS Polly.
type Provider interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}
