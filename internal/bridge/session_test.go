package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/resilience"
	"github.com/voxbridge/translate-gateway/internal/translator"
)

// stubBackend records everything the lifecycle does to a backend session.
type stubBackend struct {
	mu      sync.Mutex
	sent    [][]byte
	commits int
	cancels int
	closed  bool

	events    chan translator.Event
	closeOnce sync.Once
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(chan translator.Event, 16)}
}

func (b *stubBackend) SendAudio(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	b.sent = append(b.sent, cp)
	return nil
}

func (b *stubBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	return nil
}

func (b *stubBackend) CancelResponse() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *stubBackend) Events() <-chan translator.Event {
	return b.events
}

func (b *stubBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.closeOnce.Do(func() { close(b.events) })
	return nil
}

func (b *stubBackend) sentChunks() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *stubBackend) commitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

func (b *stubBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func (b *stubBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// recordingSink captures sink callbacks for assertions.
type recordingSink struct {
	mu          sync.Mutex
	audio       [][]byte
	interrupts  int
	transcripts []string
	turns       int
	errs        []error
	closes      int
}

func (s *recordingSink) OnBackendAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.audio = append(s.audio, cp)
}

func (s *recordingSink) OnInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

func (s *recordingSink) OnTranscript(kind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, kind+":"+text)
}

func (s *recordingSink) OnTurnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
}

func (s *recordingSink) OnBackendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) OnBackendClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

func (s *recordingSink) snapshot() (audio int, interrupts int, transcripts []string, turns int, errs int, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio), s.interrupts, append([]string(nil), s.transcripts...), s.turns, len(s.errs), s.closes
}

func testBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("test", 5, time.Minute)
}

func testMetrics() *observability.Metrics {
	return observability.NewCallMetrics("test")
}

func newTestSession(connect connectFunc, sink EventSink) *Session {
	return NewSession(connect, sink, testBreaker(), testMetrics(), zerolog.Nop())
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return s.State() == want },
		fmt.Sprintf("Timed out waiting for state %v, still %v", want, s.State()))
}

func TestSession_EnsureConnected_SingleDial(t *testing.T) {
	var dials int32
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(20 * time.Millisecond)
		return newStubBackend(), nil
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.EnsureConnected(context.Background()); err != nil {
				t.Errorf("Expected connect to succeed, got %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("Expected exactly one dial, got %d", got)
	}
	if s.State() != StateConnected {
		t.Errorf("Expected state connected, got %v", s.State())
	}
}

func TestSession_EnsureConnected_AlreadyConnected(t *testing.T) {
	var dials int32
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		return newStubBackend(), nil
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected second call to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("Expected one dial across repeated calls, got %d", got)
	}
}

func TestSession_ForwardWhileConnecting_FlushedInOrder(t *testing.T) {
	gate := make(chan struct{})
	backend := newStubBackend()
	connect := func(ctx context.Context) (backendSession, error) {
		<-gate
		return backend, nil
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	go s.EnsureConnected(context.Background())
	waitState(t, s, StateConnecting)

	s.Forward([]byte("chunk-a"))
	s.Forward([]byte("chunk-b"))
	s.Forward([]byte("chunk-c"))

	close(gate)
	waitState(t, s, StateConnected)
	waitFor(t, 2*time.Second, func() bool { return len(backend.sentChunks()) == 3 },
		"Timed out waiting for queued audio to flush")

	sent := backend.sentChunks()
	want := []string{"chunk-a", "chunk-b", "chunk-c"}
	for i, chunk := range sent {
		if string(chunk) != want[i] {
			t.Errorf("Expected chunk %d to be %q, got %q", i, want[i], chunk)
		}
	}

	// Once connected, audio goes straight through.
	s.Forward([]byte("chunk-d"))
	waitFor(t, 2*time.Second, func() bool { return len(backend.sentChunks()) == 4 },
		"Timed out waiting for direct forward")
}

func TestSession_ForwardFromIdle_TriggersConnect(t *testing.T) {
	var dials int32
	backend := newStubBackend()
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		return backend, nil
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	s.Forward([]byte("first"))

	waitState(t, s, StateConnected)
	waitFor(t, 2*time.Second, func() bool { return len(backend.sentChunks()) == 1 },
		"Timed out waiting for forwarded chunk")
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("Expected one dial, got %d", got)
	}
}

func TestSession_ConnectFailure_ReturnsToIdle(t *testing.T) {
	var dials int32
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("backend unavailable")
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	if err := s.EnsureConnected(context.Background()); err == nil {
		t.Fatal("Expected connect to fail")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected state idle after failure, got %v", s.State())
	}

	// A later attempt dials again.
	s.EnsureConnected(context.Background())
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("Expected a fresh dial per attempt, got %d", got)
	}
}

func TestSession_ConnectFailure_SharedByWaiters(t *testing.T) {
	var dials int32
	dialErr := errors.New("backend unavailable")
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(20 * time.Millisecond)
		return nil, dialErr
	}
	s := newTestSession(connect, &recordingSink{})
	defer s.Stop()

	var wg sync.WaitGroup
	errCount := int32(0)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.EnsureConnected(context.Background()); errors.Is(err, dialErr) {
				atomic.AddInt32(&errCount, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("Expected one dial shared by all waiters, got %d", got)
	}
	if got := atomic.LoadInt32(&errCount); got != 4 {
		t.Errorf("Expected all waiters to observe the dial error, got %d", got)
	}
}

func TestSession_EventsDispatchToSink(t *testing.T) {
	backend := newStubBackend()
	sink := &recordingSink{}
	s := newTestSession(func(ctx context.Context) (backendSession, error) { return backend, nil }, sink)
	defer s.Stop()

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}

	backend.events <- translator.Event{Type: translator.EventAudio, Audio: []byte{1, 2, 3}}
	backend.events <- translator.Event{Type: translator.EventTranscriptDelta, Text: "Ho"}
	backend.events <- translator.Event{Type: translator.EventTranscriptDone, Text: "Hola"}
	backend.events <- translator.Event{Type: translator.EventInputTranscript, Text: "Hello"}
	backend.events <- translator.Event{Type: translator.EventTurnComplete}
	backend.events <- translator.Event{Type: translator.EventError, Err: errors.New("hiccup")}

	waitFor(t, 2*time.Second, func() bool {
		audio, _, transcripts, turns, errs, _ := sink.snapshot()
		return audio == 1 && len(transcripts) == 3 && turns == 1 && errs == 1
	}, "Timed out waiting for sink dispatch")

	_, _, transcripts, _, _, _ := sink.snapshot()
	want := []string{
		TranscriptDelta + ":Ho",
		TranscriptTranslation + ":Hola",
		TranscriptCaller + ":Hello",
	}
	for i, tr := range transcripts {
		if tr != want[i] {
			t.Errorf("Expected transcript %d to be %q, got %q", i, want[i], tr)
		}
	}
}

func TestSession_InterruptedCancelsResponse(t *testing.T) {
	backend := newStubBackend()
	sink := &recordingSink{}
	s := newTestSession(func(ctx context.Context) (backendSession, error) { return backend, nil }, sink)
	defer s.Stop()

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}

	backend.events <- translator.Event{Type: translator.EventInterrupted}

	waitFor(t, 2*time.Second, func() bool {
		_, interrupts, _, _, _, _ := sink.snapshot()
		return interrupts == 1
	}, "Timed out waiting for interruption dispatch")

	if got := backend.cancelCount(); got != 1 {
		t.Errorf("Expected one response cancel, got %d", got)
	}
}

func TestSession_BackendClose_ReturnsToIdleAndReconnects(t *testing.T) {
	backends := []*stubBackend{newStubBackend(), newStubBackend()}
	var dials int32
	connect := func(ctx context.Context) (backendSession, error) {
		idx := atomic.AddInt32(&dials, 1) - 1
		return backends[idx], nil
	}
	sink := &recordingSink{}
	s := newTestSession(connect, sink)
	defer s.Stop()

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}

	// The backend drops; the lifecycle returns to Idle.
	backends[0].Close()
	waitState(t, s, StateIdle)

	waitFor(t, 2*time.Second, func() bool {
		_, _, _, _, _, closes := sink.snapshot()
		return closes == 1
	}, "Timed out waiting for close notification")

	// New caller audio lazily reconnects.
	s.Forward([]byte("after-drop"))
	waitState(t, s, StateConnected)
	waitFor(t, 2*time.Second, func() bool { return len(backends[1].sentChunks()) == 1 },
		"Timed out waiting for audio on the new session")
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("Expected a second dial, got %d", got)
	}
}

func TestSession_Stop(t *testing.T) {
	backend := newStubBackend()
	s := newTestSession(func(ctx context.Context) (backendSession, error) { return backend, nil }, &recordingSink{})

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}

	s.Stop()

	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %v", s.State())
	}
	if got := backend.commitCount(); got != 1 {
		t.Errorf("Expected end-of-input commit, got %d commits", got)
	}
	if !backend.isClosed() {
		t.Error("Expected backend to be closed")
	}

	if err := s.EnsureConnected(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	// Stop is idempotent.
	s.Stop()
	if got := backend.commitCount(); got != 1 {
		t.Errorf("Expected a single commit after repeated stops, got %d", got)
	}
}

func TestSession_StopWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	backend := newStubBackend()
	connect := func(ctx context.Context) (backendSession, error) {
		<-gate
		return backend, nil
	}
	s := newTestSession(connect, &recordingSink{})

	result := make(chan error, 1)
	go func() { result <- s.EnsureConnected(context.Background()) }()
	waitState(t, s, StateConnecting)

	s.Stop()
	close(gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Expected ErrSessionClosed from abandoned dial, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for dial to resolve")
	}

	waitFor(t, 2*time.Second, backend.isClosed, "Expected late backend to be closed")
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %v", s.State())
	}
}

func TestSession_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var dials int32
	connect := func(ctx context.Context) (backendSession, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("backend unavailable")
	}
	breaker := resilience.NewCircuitBreaker("test", 2, time.Minute)
	s := NewSession(connect, &recordingSink{}, breaker, testMetrics(), zerolog.Nop())
	defer s.Stop()

	s.EnsureConnected(context.Background())
	s.EnsureConnected(context.Background())

	err := s.EnsureConnected(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen once the breaker trips, got %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("Expected dials to stop at the failure threshold, got %d", got)
	}
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosed, "closed"},
		{SessionState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
