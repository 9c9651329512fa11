package audio

import (
	"bytes"
	"sync"
	"testing"
)

func TestFrameQueue_PushPop(t *testing.T) {
	q := NewFrameQueue()

	if _, ok := q.Pop(); ok {
		t.Error("Expected Pop on empty queue to report false")
	}

	q.Push([]byte{1}, []byte{2})
	q.Push([]byte{3})

	if q.Len() != 3 {
		t.Fatalf("Expected 3 frames, got %d", q.Len())
	}

	for i, expected := range [][]byte{{1}, {2}, {3}} {
		frame, ok := q.Pop()
		if !ok {
			t.Fatalf("Expected frame %d", i)
		}
		if !bytes.Equal(frame, expected) {
			t.Errorf("Frame %d: expected %v, got %v", i, expected, frame)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Expected queue to be empty after draining")
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	q := NewFrameQueue()

	q.Push([]byte{1}, []byte{2}, []byte{3})
	if dropped := q.Clear(); dropped != 3 {
		t.Errorf("Expected 3 dropped frames, got %d", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after clear, got %d", q.Len())
	}
	if dropped := q.Clear(); dropped != 0 {
		t.Errorf("Expected 0 dropped frames from empty queue, got %d", dropped)
	}
}

func TestFrameQueue_PushAt_StaleGeneration(t *testing.T) {
	q := NewFrameQueue()

	gen := q.Generation()
	if !q.PushAt(gen, []byte{1}) {
		t.Fatal("Expected PushAt with current generation to be accepted")
	}

	// A clear invalidates frames captured before it
	q.Clear()
	if q.PushAt(gen, []byte{2}) {
		t.Error("Expected PushAt with stale generation to be rejected")
	}
	if q.Len() != 0 {
		t.Errorf("Expected stale frames to be dropped, got %d queued", q.Len())
	}

	// The new generation accepts frames again
	if !q.PushAt(q.Generation(), []byte{3}) {
		t.Error("Expected PushAt with fresh generation to be accepted")
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 frame, got %d", q.Len())
	}
}

func TestFrameQueue_PushAt_EmptyAlwaysAccepted(t *testing.T) {
	q := NewFrameQueue()

	if !q.PushAt(q.Generation() + 99) {
		t.Error("Expected empty PushAt to be a no-op success")
	}
}

func TestFrameQueue_GenerationAdvances(t *testing.T) {
	q := NewFrameQueue()

	before := q.Generation()
	q.Clear()
	q.Clear()
	after := q.Generation()

	if after != before+2 {
		t.Errorf("Expected generation to advance by 2, got %d -> %d", before, after)
	}
}

func TestFrameQueue_ConcurrentAccess(t *testing.T) {
	q := NewFrameQueue()
	frame := make([]byte, 160)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(frame)
				q.Pop()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			q.Clear()
		}
	}()
	wg.Wait()

	// Drain whatever is left; concurrent use must not panic or race
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
	}
}
