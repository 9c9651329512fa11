package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/resilience"
	"github.com/voxbridge/translate-gateway/internal/translator"
)

// ErrSessionClosed is returned when using a session after the call ended.
var ErrSessionClosed = errors.New("bridge: session closed")

// SessionState tracks the backend connection lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns a short name for logging.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// backendSession is the part of translator.Session the lifecycle drives.
type backendSession interface {
	SendAudio(pcm []byte) error
	Commit() error
	CancelResponse() error
	Events() <-chan translator.Event
	Close() error
}

// connectFunc dials one backend session.
type connectFunc func(ctx context.Context) (backendSession, error)

// Transcript kinds reported through EventSink.OnTranscript.
const (
	TranscriptCaller      = "caller"            // recognized text of what the caller said
	TranscriptTranslation = "translation"       // full translated turn
	TranscriptDelta       = "translation_delta" // incremental translated text
)

// EventSink receives decoded backend events from the session pump.
type EventSink interface {
	OnBackendAudio(pcm []byte)
	OnInterrupted()
	OnTranscript(kind, text string)
	OnTurnComplete()
	OnBackendError(err error)
	OnBackendClosed()
}

// Session owns the backend connection for one call. Connecting is lazy and
// idempotent: concurrent triggers collapse into a single dial attempt, audio
// forwarded before the connection is up is queued and flushed in order, and
// a dropped backend returns the session to Idle so the next audio chunk
// reconnects. Dial attempts run through a circuit breaker so a dead backend
// is not hammered on every inbound chunk.
type Session struct {
	connect connectFunc
	sink    EventSink
	breaker *resilience.CircuitBreaker
	metrics *observability.Metrics
	log     zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	backend     backendSession
	pending     [][]byte
	connectDone chan struct{}
	connectErr  error
}

// NewSession creates a lifecycle in the Idle state.
func NewSession(connect connectFunc, sink EventSink, breaker *resilience.CircuitBreaker, metrics *observability.Metrics, log zerolog.Logger) *Session {
	return &Session{
		connect: connect,
		sink:    sink,
		breaker: breaker,
		metrics: metrics,
		log:     log,
		state:   StateIdle,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureConnected makes sure a backend session is up, dialing at most once
// no matter how many goroutines call it concurrently. Callers that arrive
// while a dial is in flight wait for that attempt and share its outcome.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed

	case StateConnected:
		s.mu.Unlock()
		return nil

	case StateConnecting:
		done := s.connectDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.connectErr
		s.mu.Unlock()
		return err
	}

	// Idle: this caller performs the dial.
	done := make(chan struct{})
	s.state = StateConnecting
	s.connectDone = done
	s.connectErr = nil
	s.mu.Unlock()

	var backend backendSession
	err := s.breaker.Call(func() error {
		var cerr error
		backend, cerr = s.connect(ctx)
		return cerr
	})
	return s.finishConnect(backend, err)
}

// finishConnect resolves the in-flight dial attempt: on success it flushes
// audio queued during the dial (in arrival order) before declaring the
// session connected, so backend input order matches capture order.
func (s *Session) finishConnect(backend backendSession, err error) error {
	if err != nil {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateIdle
		}
		dropped := len(s.pending)
		s.pending = nil
		s.connectErr = err
		done := s.connectDone
		s.connectDone = nil
		s.mu.Unlock()

		close(done)
		s.metrics.RecordBackendConnect(false)
		s.log.Error().Err(err).Int("dropped_chunks", dropped).Msg("Backend connect failed")
		return err
	}

	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.pending = nil
			s.connectErr = ErrSessionClosed
			done := s.connectDone
			s.connectDone = nil
			s.mu.Unlock()

			backend.Close()
			close(done)
			return ErrSessionClosed
		}
		if len(s.pending) == 0 {
			s.backend = backend
			s.state = StateConnected
			s.connectErr = nil
			done := s.connectDone
			s.connectDone = nil
			s.mu.Unlock()

			close(done)
			s.metrics.RecordBackendConnect(true)
			go s.pump(backend)
			return nil
		}
		chunk := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if serr := backend.SendAudio(chunk); serr != nil {
			s.log.Warn().Err(serr).Msg("Failed to flush queued audio to backend")
		}
	}
}

// Forward sends one chunk of backend-rate PCM16 toward the backend. While a
// dial is in flight the chunk is queued; from Idle it is queued and a
// connect is kicked off in the background.
func (s *Session) Forward(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()

	case StateConnected:
		backend := s.backend
		s.mu.Unlock()
		if err := backend.SendAudio(pcm); err != nil {
			s.log.Warn().Err(err).Msg("Failed to forward audio to backend")
		}

	case StateConnecting:
		s.pending = append(s.pending, pcm)
		s.mu.Unlock()

	default: // StateIdle
		s.pending = append(s.pending, pcm)
		s.mu.Unlock()
		go func() {
			if err := s.EnsureConnected(context.Background()); err != nil && !errors.Is(err, ErrSessionClosed) {
				s.log.Debug().Err(err).Msg("Backend reconnect attempt failed")
			}
		}()
	}
}

// pump dispatches backend events until the event stream closes, then
// returns the lifecycle to Idle so the next audio chunk reconnects.
func (s *Session) pump(backend backendSession) {
	for evt := range backend.Events() {
		switch evt.Type {
		case translator.EventAudio:
			s.sink.OnBackendAudio(evt.Audio)

		case translator.EventInterrupted:
			// Ask the backend to abandon the in-flight response before
			// flushing our side of the pipeline.
			if err := backend.CancelResponse(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cancel backend response")
			}
			s.sink.OnInterrupted()

		case translator.EventTranscriptDelta:
			s.sink.OnTranscript(TranscriptDelta, evt.Text)

		case translator.EventTranscriptDone:
			s.sink.OnTranscript(TranscriptTranslation, evt.Text)

		case translator.EventInputTranscript:
			s.sink.OnTranscript(TranscriptCaller, evt.Text)

		case translator.EventTurnComplete:
			s.sink.OnTurnComplete()

		case translator.EventError:
			s.sink.OnBackendError(evt.Err)
		}
	}

	s.mu.Lock()
	stale := s.backend != backend
	if !stale && s.state == StateConnected {
		s.state = StateIdle
		s.backend = nil
	}
	s.mu.Unlock()

	if !stale {
		backend.Close()
		s.sink.OnBackendClosed()
	}
}

// Stop signals end-of-input, tears down the backend session and puts the
// lifecycle in its terminal state. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	backend := s.backend
	s.state = StateClosed
	s.backend = nil
	s.pending = nil
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Commit(); err != nil && !errors.Is(err, translator.ErrSessionClosed) {
			s.log.Debug().Err(err).Msg("Failed to commit input buffer on stop")
		}
		backend.Close()
	}
}
