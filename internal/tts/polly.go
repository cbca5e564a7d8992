package tts

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
)

// SynthesizeSpeechAPI is the subset of the Polly client the provider
// depends on, narrowed to an interface for test injection.
type SynthesizeSpeechAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyProvider synthesizes speech via AWS Polly.
type PollyProvider struct {
	client SynthesizeSpeechAPI
}

// NewPollyProvider loads the AWS configuration for region and constructs a
// Polly-backed Provider.
func NewPollyProvider(ctx context.Context, region string) (*PollyProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("tts: failed to load AWS config: %w", err)
	}
	return &PollyProvider{client: polly.NewFromConfig(awsCfg)}, nil
}

// NewPollyProviderWithClient wraps an already-constructed client, for
// tests.
func NewPollyProviderWithClient(client SynthesizeSpeechAPI) *PollyProvider {
	return &PollyProvider{client: client}
}

func (p *PollyProvider) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	engine := pollytypes.EngineStandard
	if req.Mode == ModeNeural {
		engine = pollytypes.EngineNeural
	}
	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         &req.Text,
		VoiceId:      pollytypes.VoiceId(req.VoiceID),
		OutputFormat: pollytypes.OutputFormatMp3,
		Engine:       engine,
	})
	if err != nil {
		return SynthesisResult{}, err
	}
	defer out.AudioStream.Close()

	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("tts: read audio stream: %w", err)
	}
	return SynthesisResult{Bytes: data, Format: "mp3"}, nil
}
