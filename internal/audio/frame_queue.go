package audio

import (
	"sync"
)

// FrameQueue is a thread-safe FIFO of fixed-duration audio frames: the
// single piece of state shared between the producers (backend audio
// deliveries, prompt injection) and the playback pacer that drains it.
//
// Clear empties the queue atomically and bumps a generation counter.
// Producers that captured audio before a Clear use PushAt with the
// generation they observed, so frames from a cancelled turn are dropped
// instead of played late.
type FrameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	gen    uint64
}

// NewFrameQueue creates an empty queue.
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{}
}

// Generation returns the current clear-generation.
func (q *FrameQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Push appends frames unconditionally.
func (q *FrameQueue) Push(frames ...[]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frames...)
}

// PushAt appends frames only if no Clear happened since gen was
// observed. Returns whether the frames were accepted.
func (q *FrameQueue) PushAt(gen uint64, frames ...[]byte) bool {
	if len(frames) == 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	q.frames = append(q.frames, frames...)
	return true
}

// Pop removes and returns the oldest frame.
func (q *FrameQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		q.frames = nil
	}
	return frame, true
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Clear drops every queued frame and advances the generation. Returns
// the number of frames dropped.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	q.gen++
	return n
}
