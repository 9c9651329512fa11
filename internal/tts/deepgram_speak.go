package tts

import (
	"context"
	"fmt"

	speakv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/observability"
)

// Deepgram Aura is asked for raw linear16 so the audio needs no container
// stripping before conversion to the telephony format.
const deepgramSampleRate = 24000

// DeepgramSpeak implements Synthesizer using Deepgram's Aura REST API.
type DeepgramSpeak struct {
	client *speakv1api.Client
	model  string
	log    zerolog.Logger
}

// NewDeepgramSpeak creates a Deepgram text-to-speech client.
func NewDeepgramSpeak(cfg *config.Config) *DeepgramSpeak {
	rest := speakClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})
	return &DeepgramSpeak{
		client: speakv1api.New(rest),
		model:  cfg.DeepgramTTSModel,
		log: observability.GetLogger().With().
			Str("component", "tts").
			Str("provider", "deepgram").
			Logger(),
	}
}

// Synthesize renders text as raw PCM16 at 24kHz.
func (d *DeepgramSpeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	options := &interfaces.SpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: deepgramSampleRate,
		Container:  "none",
	}

	buf := new(interfaces.RawResponse)
	if _, err := d.client.ToStream(ctx, text, options, buf); err != nil {
		return nil, fmt.Errorf("deepgram speak request: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("deepgram speak returned no audio")
	}

	d.log.Debug().Int("bytes", buf.Len()).Msg("Synthesized prompt audio")
	return buf.Bytes(), nil
}

// SampleRate reports the PCM16 rate Deepgram is configured to return.
func (d *DeepgramSpeak) SampleRate() int {
	return deepgramSampleRate
}

// Name identifies the provider.
func (d *DeepgramSpeak) Name() string {
	return "deepgram"
}
