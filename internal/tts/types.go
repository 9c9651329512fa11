package tts

import (
	"context"
	"fmt"

	"github.com/voxbridge/translate-gateway/internal/config"
)

// Synthesizer converts a short piece of text into raw audio for playback on
// the call. Implementations are safe for concurrent use.
type Synthesizer interface {
	// Synthesize renders text and returns mono PCM16 little-endian samples
	// at SampleRate().
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SampleRate reports the rate of the audio Synthesize returns, in Hz.
	SampleRate() int

	// Name identifies the provider for logs and metrics.
	Name() string
}

// New returns the Synthesizer selected by cfg.TTSProvider, or nil when
// prompt synthesis is disabled.
func New(cfg *config.Config) (Synthesizer, error) {
	switch cfg.TTSProvider {
	case "deepgram":
		return NewDeepgramSpeak(cfg), nil
	case "cartesia":
		return NewCartesiaClient(cfg), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
	}
}
