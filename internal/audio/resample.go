package audio

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// Resample converts 16-bit little-endian mono PCM between sample rates
// using linear interpolation. Same-rate input is returned unchanged; a
// dangling odd byte is trimmed before conversion.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	if len(pcm) < 2 {
		return nil
	}
	return samplesToBytes(resample(bytesToSamples(pcm), fromRate, toRate))
}

// resample performs linear interpolation between the two source samples
// bracketing each output position, clamping the upper bracket to the
// last valid sample.
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(math.Round(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction))
	}

	return output
}

// fallbackChunkMs is the minimum window resampled in one pass after the
// sox process is gone. Interpolating tiny windows back to back produces
// audible zipper noise, so input is batched to at least this much audio.
const fallbackChunkMs = 250

// StreamResampler converts a PCM16 stream between two fixed rates. It
// prefers an external sox process for quality and, if that process cannot
// be started or dies mid-stream, downgrades permanently to in-process
// linear interpolation for the remainder of the call. Output chunks are
// always even-length (whole samples) and arrive on Output in input order.
// A nil element on Output marks a flush point (end of a backend turn).
type StreamResampler struct {
	fromRate int
	toRate   int
	soxPath  string
	useSox   bool
	log      zerolog.Logger

	out chan []byte

	// startProc is swapped out by tests.
	startProc func(path string, fromRate, toRate int, onOutput func([]byte), onExit func(error)) (resampleProc, error)

	mu       sync.Mutex
	proc     resampleProc
	started  bool
	fellBack bool
	closed   bool
	inCarry  []byte // odd input byte held for sample alignment
	pending  []byte // fallback accumulator, input-rate bytes
}

type resampleProc interface {
	Write(p []byte) error
	Close() error
}

// StreamResamplerOption configures a StreamResampler.
type StreamResamplerOption func(*StreamResampler)

// WithSoxPath sets the sox binary path. An empty path disables the
// external process entirely.
func WithSoxPath(path string) StreamResamplerOption {
	return func(r *StreamResampler) {
		r.soxPath = path
		r.useSox = path != ""
	}
}

// NewStreamResampler creates a resampler for one stream direction.
func NewStreamResampler(fromRate, toRate int, log zerolog.Logger, opts ...StreamResamplerOption) *StreamResampler {
	r := &StreamResampler{
		fromRate:  fromRate,
		toRate:    toRate,
		soxPath:   "sox",
		useSox:    true,
		log:       log.With().Str("component", "resampler").Int("from", fromRate).Int("to", toRate).Logger(),
		out:       make(chan []byte, 64),
		startProc: startSoxProcess,
	}
	for _, opt := range opts {
		opt(r)
	}
	if fromRate == toRate {
		r.useSox = false
	}
	return r
}

// Output returns the channel carrying resampled PCM16 chunks. It is
// closed by Close. Nil elements are flush markers, not audio.
func (r *StreamResampler) Output() <-chan []byte {
	return r.out
}

// FellBack reports whether the linear fallback is active.
func (r *StreamResampler) FellBack() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fellBack
}

// Write feeds one input chunk. The resampled result is delivered on
// Output, possibly batched when the fallback strategy is active.
func (r *StreamResampler) Write(pcm []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	if len(r.inCarry) > 0 {
		pcm = append(r.inCarry, pcm...)
		r.inCarry = nil
	}
	if len(pcm)%2 != 0 {
		r.inCarry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		r.mu.Unlock()
		return nil
	}

	if r.fromRate == r.toRate {
		r.deliverLocked(pcm)
		r.mu.Unlock()
		return nil
	}

	if !r.useSox || r.fellBack {
		r.bufferLocked(pcm)
		r.mu.Unlock()
		return nil
	}

	if !r.started {
		r.started = true
		proc, err := r.startProc(r.soxPath, r.fromRate, r.toRate, r.deliver, r.onProcExit)
		if err != nil {
			r.fallBackLocked(err)
			r.bufferLocked(pcm)
			r.mu.Unlock()
			return nil
		}
		r.proc = proc
	}

	proc := r.proc
	r.mu.Unlock()

	if err := proc.Write(pcm); err != nil {
		r.mu.Lock()
		r.fallBackLocked(err)
		r.bufferLocked(pcm)
		r.mu.Unlock()
	}
	return nil
}

// Flush drains the fallback accumulator regardless of size and marks a
// flush point on Output so the consumer can pad its partial frame.
func (r *StreamResampler) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(r.pending) > 0 {
		r.deliverLocked(Resample(r.pending, r.fromRate, r.toRate))
		r.pending = nil
	}
	r.markFlushLocked()
}

// Reset discards everything buffered on this side of the stream: the
// fallback accumulator, the alignment carry, and any chunks already
// delivered but not yet consumed. Used on barge-in.
func (r *StreamResampler) Reset() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = nil
	r.inCarry = nil
	r.mu.Unlock()

	for {
		select {
		case _, ok := <-r.out:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close terminates the sox process if one is attached and closes Output.
// Safe to call more than once.
func (r *StreamResampler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.proc != nil {
		_ = r.proc.Close()
		r.proc = nil
	}
	close(r.out)
	return nil
}

// bufferLocked accumulates fallback input and emits coarse chunks once
// enough audio is queued.
func (r *StreamResampler) bufferLocked(pcm []byte) {
	r.pending = append(r.pending, pcm...)
	minBytes := r.fromRate * 2 * fallbackChunkMs / 1000
	if len(r.pending) >= minBytes {
		r.deliverLocked(Resample(r.pending, r.fromRate, r.toRate))
		r.pending = nil
	}
}

// fallBackLocked switches to linear interpolation for the rest of the
// call. The transition happens at most once and is never retried.
func (r *StreamResampler) fallBackLocked(err error) {
	if r.fellBack {
		return
	}
	r.fellBack = true
	r.log.Warn().Err(err).Msg("sox resampler unavailable, falling back to linear interpolation for this call")
	if r.proc != nil {
		_ = r.proc.Close()
		r.proc = nil
	}
}

// deliver hands a resampled chunk to the consumer from outside the lock.
func (r *StreamResampler) deliver(chunk []byte) {
	r.mu.Lock()
	r.deliverLocked(chunk)
	r.mu.Unlock()
}

func (r *StreamResampler) deliverLocked(chunk []byte) {
	if r.closed || len(chunk) == 0 {
		return
	}
	select {
	case r.out <- chunk:
	default:
		r.log.Warn().Int("bytes", len(chunk)).Msg("resampler output backed up, dropping chunk")
	}
}

func (r *StreamResampler) markFlushLocked() {
	if r.closed {
		return
	}
	select {
	case r.out <- nil:
	default:
	}
}

// onProcExit runs when the sox process ends. An exit while the stream is
// still open is a crash and triggers the fallback.
func (r *StreamResampler) onProcExit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err == nil {
		err = errSoxExited
	}
	r.fallBackLocked(err)
}
