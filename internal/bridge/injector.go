package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/audio"
	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/resilience"
	"github.com/voxbridge/translate-gateway/internal/tts"
)

// Injector synthesizes operator prompts and feeds them into the outbound
// queue as paced PCMU frames. Prompt playback shares the queue with
// translation audio, so a prompt is subject to the same barge-in flush.
type Injector struct {
	synth      tts.Synthesizer
	queue      *audio.FrameQueue
	pacer      *Pacer
	frameSize  int
	sampleRate int // telephony rate the prompt is resampled to
	retryCfg   *resilience.RetryConfig
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// NewInjector creates an injector. synth may be nil when prompt synthesis
// is disabled; PlayPrompt then reports an error.
func NewInjector(synth tts.Synthesizer, queue *audio.FrameQueue, pacer *Pacer, frameSize, sampleRate int, retryCfg *resilience.RetryConfig, metrics *observability.Metrics, log zerolog.Logger) *Injector {
	return &Injector{
		synth:      synth,
		queue:      queue,
		pacer:      pacer,
		frameSize:  frameSize,
		sampleRate: sampleRate,
		retryCfg:   retryCfg,
		metrics:    metrics,
		log:        log,
	}
}

// PlayPrompt renders text through the synthesizer and enqueues it for paced
// playback. A prompt whose synthesis straddles an interruption is discarded
// rather than played late.
func (i *Injector) PlayPrompt(ctx context.Context, text string) error {
	if i.synth == nil {
		return fmt.Errorf("no synthesizer configured")
	}
	if text == "" {
		return nil
	}

	// Capture the queue generation before the slow synthesis call so a
	// barge-in that happens meanwhile invalidates this prompt.
	gen := i.queue.Generation()

	i.metrics.RecordTTSStart()
	var pcm []byte
	err := resilience.RetryWithContext(ctx, func() error {
		var serr error
		pcm, serr = i.synth.Synthesize(ctx, text)
		return serr
	}, i.retryCfg, resilience.IsRetryableNetworkError)
	i.metrics.RecordTTSEnd(i.synth.Name(), err == nil)
	if err != nil {
		i.metrics.RecordError("tts_failure", "injector")
		return fmt.Errorf("synthesize prompt: %w", err)
	}

	pcmu := audio.ConvertPCMToPCMU(audio.Resample(pcm, i.synth.SampleRate(), i.sampleRate))

	framer := audio.NewFramer(i.frameSize, audio.PCMUSilence)
	frames := framer.Push(pcmu)
	if final := framer.FlushWithSilence(); final != nil {
		frames = append(frames, final)
	}
	if len(frames) == 0 {
		return nil
	}

	if !i.queue.PushAt(gen, frames...) {
		i.log.Debug().Msg("Prompt discarded, playback was interrupted during synthesis")
		i.metrics.RecordFramesDropped("stale", len(frames))
		return nil
	}
	i.pacer.EnsureRunning()

	i.log.Info().
		Int("frames", len(frames)).
		Str("provider", i.synth.Name()).
		Msg("Prompt enqueued for playback")
	return nil
}
