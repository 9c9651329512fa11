package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/audio"
	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/resilience"
	"github.com/voxbridge/translate-gateway/internal/translator"
	"github.com/voxbridge/translate-gateway/internal/tts"
)

// Transport delivers frames and control messages to the call leg.
type Transport interface {
	// StreamSID returns the outbound destination identifier, empty until
	// the call's start message arrives.
	StreamSID() string

	// Connected reports whether the leg can still be written to.
	Connected() bool

	// SendMedia writes one PCMU frame.
	SendMedia(frame []byte) error

	// SendMark emits a named playback marker.
	SendMark(name string) error

	// SendClear wipes audio already buffered on the far side.
	SendClear() error
}

// Mode selects how the bridge treats caller audio.
type Mode int

const (
	// ModeTranslation forwards caller audio to the translation backend.
	ModeTranslation Mode = iota
	// ModeMenu plays prompts only; caller audio is observed by the VAD but
	// not forwarded.
	ModeMenu
	// ModeSummary holds caller audio while a call summary is read out.
	ModeSummary
)

// String returns a short name for logging.
func (m Mode) String() string {
	switch m {
	case ModeTranslation:
		return "translation"
	case ModeMenu:
		return "menu"
	case ModeSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// Track values attached to inbound media by the media server.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Bridge wires one telephone call to one translation backend session: the
// caller's PCMU upstream into the backend, and translated audio back out as
// paced PCMU frames. It implements EventSink for its own session.
type Bridge struct {
	transport Transport
	session   *Session
	queue     *audio.FrameQueue
	pacer     *Pacer
	injector  *Injector
	vad       *audio.VADDetector
	metrics   *observability.Metrics
	log       zerolog.Logger

	teleRate    int
	backendRate int
	frameSize   int

	outResampler *audio.StreamResampler
	outMu        sync.Mutex
	outFramer    *audio.Framer

	inMu          sync.Mutex
	inAccum       []byte
	flushInterval time.Duration

	mu      sync.Mutex
	mode    Mode
	started bool
	stopped bool
	done    chan struct{}
}

// New assembles a bridge for one call. The transport must already be
// accepting writes; the backend is dialed lazily.
func New(cfg *config.Config, transport Transport, client *translator.Client, synth tts.Synthesizer, log zerolog.Logger) *Bridge {
	metrics := observability.NewCallMetrics(observability.NewConnectionID())
	queue := audio.NewFrameQueue()
	frameSize := cfg.FrameBytes()

	pacer := NewPacer(queue, transport, frameSize,
		time.Duration(cfg.FrameDurationMs)*time.Millisecond, metrics, log)

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.TTSRetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.TTSRetryBaseDelayMs) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	injector := NewInjector(synth, queue, pacer, frameSize, cfg.TelephonySampleRate, retryCfg, metrics, log)

	soxPath := cfg.SoxPath
	if !cfg.SoxEnabled {
		soxPath = ""
	}

	b := &Bridge{
		transport:     transport,
		queue:         queue,
		pacer:         pacer,
		injector:      injector,
		vad:           audio.NewVADDetector(&audio.VADConfig{EnergyThreshold: cfg.VADEnergyThreshold, SilenceFrames: cfg.VADSilenceFrames}),
		metrics:       metrics,
		log:           log,
		teleRate:      cfg.TelephonySampleRate,
		backendRate:   cfg.BackendSampleRate,
		frameSize:     frameSize,
		outResampler:  audio.NewStreamResampler(cfg.BackendSampleRate, cfg.TelephonySampleRate, log, audio.WithSoxPath(soxPath)),
		outFramer:     audio.NewFramer(frameSize, audio.PCMUSilence),
		flushInterval: time.Duration(cfg.InboundFlushIntervalMs) * time.Millisecond,
		mode:          ModeTranslation,
		done:          make(chan struct{}),
	}

	breaker := resilience.NewCircuitBreaker("translator",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	b.session = NewSession(backendConnector(client), b, breaker, metrics, log)

	return b
}

// backendConnector adapts the translator client to the session's dial seam.
func backendConnector(client *translator.Client) connectFunc {
	return func(ctx context.Context) (backendSession, error) {
		s, err := client.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Start begins the call: the outbound pumps spin up and the backend connect
// is kicked off in the background so the first turn has no dial latency.
// Idempotent.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.metrics.RecordCallStart()
	go b.outputPump()
	if b.flushInterval > 0 {
		go b.inboundFlushLoop()
	}
	go func() {
		if err := b.session.EnsureConnected(context.Background()); err != nil {
			b.log.Warn().Err(err).Msg("Initial backend connect failed, will retry on caller audio")
		}
	}()

	b.log.Info().Str("stream_sid", b.transport.StreamSID()).Msg("Bridge started")
}

// HandleInboundAudio accepts one chunk of caller-leg PCMU. Media tagged as
// our own playback echo is discarded so the backend never hears itself.
func (b *Bridge) HandleInboundAudio(payload []byte, track string) {
	if len(payload) == 0 {
		return
	}
	if track == TrackOutbound {
		return
	}

	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	mode := b.mode
	b.mu.Unlock()

	b.metrics.RecordAudioBytes("in", int64(len(payload)))

	pcm := audio.ConvertPCMUToPCM(payload)

	_, speechStarted, speechEnded := b.vad.ProcessFrame(pcm)
	if speechStarted {
		b.metrics.RecordSpeechSegment()
		b.log.Debug().Msg("Caller speech started")
	}
	if speechEnded {
		b.log.Debug().Msg("Caller speech ended")
	}

	if mode != ModeTranslation {
		return
	}

	wide := audio.Resample(pcm, b.teleRate, b.backendRate)
	if b.flushInterval > 0 {
		b.inMu.Lock()
		b.inAccum = append(b.inAccum, wide...)
		b.inMu.Unlock()
		return
	}
	b.session.Forward(wide)
}

// inboundFlushLoop releases batched caller audio to the backend on a fixed
// cadence when batching is configured.
func (b *Bridge) inboundFlushLoop() {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushInbound()
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) flushInbound() {
	b.inMu.Lock()
	chunk := b.inAccum
	b.inAccum = nil
	b.inMu.Unlock()

	if len(chunk) > 0 {
		b.session.Forward(chunk)
	}
}

// outputPump converts backend PCM16 into paced PCMU frames. A nil element
// from the resampler marks end of turn; the partial frame is padded with
// silence and flushed. The queue generation is captured when a chunk is
// received so frames from a turn cancelled mid-conversion never enqueue.
func (b *Bridge) outputPump() {
	for chunk := range b.outResampler.Output() {
		gen := b.queue.Generation()

		if chunk == nil {
			b.outMu.Lock()
			final := b.outFramer.FlushWithSilence()
			b.outMu.Unlock()
			if final != nil && b.queue.PushAt(gen, final) {
				b.pacer.EnsureRunning()
			}
			continue
		}

		b.outMu.Lock()
		frames := b.outFramer.Push(audio.ConvertPCMToPCMU(chunk))
		b.outMu.Unlock()
		if len(frames) == 0 {
			continue
		}
		if !b.queue.PushAt(gen, frames...) {
			b.metrics.RecordFramesDropped("stale", len(frames))
			continue
		}
		b.pacer.EnsureRunning()
	}
}

// OnBackendAudio receives translated PCM16 and feeds the downsampler.
func (b *Bridge) OnBackendAudio(pcm []byte) {
	if err := b.outResampler.Write(pcm); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write backend audio to resampler")
	}
}

// OnInterrupted flushes every stage of the outbound path so playback stops
// within one frame interval of the caller speaking.
func (b *Bridge) OnInterrupted() {
	b.outResampler.Reset()

	b.outMu.Lock()
	b.outFramer.Reset()
	b.outMu.Unlock()

	dropped := b.queue.Clear()
	if dropped > 0 {
		b.metrics.RecordFramesDropped("interrupted", dropped)
	}
	if err := b.transport.SendClear(); err != nil {
		b.log.Debug().Err(err).Msg("Failed to clear transport playback buffer")
	}

	b.metrics.RecordInterruption()
	b.log.Info().Int("dropped_frames", dropped).Msg("Caller barge-in, outbound playback flushed")
}

// OnTranscript logs recognized and translated text.
func (b *Bridge) OnTranscript(kind, text string) {
	if text == "" {
		return
	}
	if kind == TranscriptDelta {
		b.log.Debug().Str("kind", kind).Str("text", text).Msg("Transcript")
		return
	}
	b.log.Info().Str("kind", kind).Str("text", text).Msg("Transcript")
}

// OnTurnComplete flushes the resampler so the tail of the turn is not held
// back waiting for a full chunk.
func (b *Bridge) OnTurnComplete() {
	b.outResampler.Flush()
	b.metrics.RecordTurn()
}

// OnBackendError records the failure. The session read loop tears the
// connection down; caller audio keeps flowing and triggers a reconnect.
func (b *Bridge) OnBackendError(err error) {
	b.metrics.RecordError("backend", "session")
	b.log.Error().Err(err).Msg("Translation backend error")
}

// OnBackendClosed is invoked when the backend connection ends.
func (b *Bridge) OnBackendClosed() {
	b.log.Info().Msg("Backend session ended, will reconnect on next caller audio")
}

// PlayPrompt synthesizes text and plays it to the caller.
func (b *Bridge) PlayPrompt(ctx context.Context, text string) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return ErrSessionClosed
	}
	return b.injector.PlayPrompt(ctx, text)
}

// SetMode switches how caller audio is handled.
func (b *Bridge) SetMode(mode Mode) {
	b.mu.Lock()
	old := b.mode
	b.mode = mode
	b.mu.Unlock()

	if old != mode {
		b.log.Info().Str("from", old.String()).Str("to", mode.String()).Msg("Bridge mode changed")
	}
}

// Mode reports the current mode.
func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// StreamSID exposes the call's outbound destination identifier.
func (b *Bridge) StreamSID() string {
	return b.transport.StreamSID()
}

// Stop tears the call down: buffered caller audio is flushed, end-of-input
// is signalled, the backend closes and both recurring tasks stop. Safe to
// call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	close(b.done)

	// Release held caller audio before signalling end-of-input. With no
	// live backend there is nothing worth dialing for at teardown.
	if b.session.State() == StateConnected {
		b.flushInbound()
	}
	b.session.Stop()

	b.pacer.Stop()
	b.outResampler.Close()

	if b.outResampler.FellBack() {
		b.metrics.RecordResamplerFallback()
	}
	if started {
		b.metrics.RecordCallEnd()
	}
	b.log.Info().Msg("Bridge stopped")
}
