package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/audio"
	"github.com/voxbridge/translate-gateway/internal/observability"
)

// markPlaybackDone names the marker emitted when the outbound queue drains,
// so the telephony side can observe end of playback.
const markPlaybackDone = "playback_done"

// Pacer drains the outbound frame queue at the telephony cadence, one frame
// per tick. It starts when audio is enqueued, stops when the queue runs dry
// and emits a single completion marker per drained burst.
type Pacer struct {
	queue     *audio.FrameQueue
	transport Transport
	frameSize int
	interval  time.Duration
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	markSent bool

	// tickMu serializes ticks across loop restarts.
	tickMu sync.Mutex
}

// NewPacer creates a stopped pacer over the given queue and transport.
func NewPacer(queue *audio.FrameQueue, transport Transport, frameSize int, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Pacer {
	return &Pacer{
		queue:     queue,
		transport: transport,
		frameSize: frameSize,
		interval:  interval,
		metrics:   metrics,
		log:       log,
	}
}

// EnsureRunning starts the tick loop if it is not already running and
// re-arms the completion marker. Producers call it after every enqueue.
func (p *Pacer) EnsureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markSent = false
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	go p.run(p.stopCh)
}

// Stop halts the tick loop. Idempotent.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pacer) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

// stopIfIdle stops the loop only if the queue is still empty, so an enqueue
// racing with a drained tick is not lost.
func (p *Pacer) stopIfIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() > 0 {
		return
	}
	p.stopLocked()
}

// Running reports whether the tick loop is active.
func (p *Pacer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pacer) run(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-stop:
			return
		}
	}
}

// tick delivers at most one frame. Tests drive it directly.
func (p *Pacer) tick() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	if !p.transport.Connected() || p.transport.StreamSID() == "" {
		// The call leg is gone. Drop whatever is queued and stand down.
		if dropped := p.queue.Clear(); dropped > 0 {
			p.metrics.RecordFramesDropped("transport_gone", dropped)
		}
		p.Stop()
		return
	}

	frame, ok := p.queue.Pop()
	if !ok {
		p.stopIfIdle()
		return
	}

	if len(frame) != p.frameSize {
		p.log.Warn().Int("size", len(frame)).Int("want", p.frameSize).Msg("Dropping wrong-size outbound frame")
		p.metrics.RecordFramesDropped("wrong_size", 1)
		return
	}

	if err := p.transport.SendMedia(frame); err != nil {
		p.log.Warn().Err(err).Msg("Failed to send outbound frame, stopping playback")
		p.Stop()
		return
	}
	p.metrics.RecordAudioBytes("out", int64(len(frame)))

	if p.queue.Len() == 0 {
		p.sendMarkOnce()
		p.stopIfIdle()
	}
}

func (p *Pacer) sendMarkOnce() {
	p.mu.Lock()
	if p.markSent {
		p.mu.Unlock()
		return
	}
	p.markSent = true
	p.mu.Unlock()

	if err := p.transport.SendMark(markPlaybackDone); err != nil {
		p.log.Debug().Err(err).Msg("Failed to send playback marker")
	}
}
