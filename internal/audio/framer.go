package audio

// Framer slices an arbitrarily-chunked byte stream into fixed-size
// frames, carrying the unaligned remainder across pushes. The carry
// never holds a full frame.
type Framer struct {
	frameSize int
	silence   byte
	carry     []byte
	flushed   bool
}

// NewFramer creates a framer emitting frames of frameSize bytes, padding
// the final partial frame with the given silence value on flush.
func NewFramer(frameSize int, silence byte) *Framer {
	return &Framer{
		frameSize: frameSize,
		silence:   silence,
	}
}

// Push appends b to the carried remainder and returns every complete
// frame now available, in order. The leftover stays buffered.
func (f *Framer) Push(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	f.flushed = false
	data := append(f.carry, b...)

	var frames [][]byte
	for len(data) >= f.frameSize {
		frames = append(frames, data[:f.frameSize:f.frameSize])
		data = data[f.frameSize:]
	}

	f.carry = append([]byte(nil), data...)
	return frames
}

// FlushWithSilence pads the carried remainder to a full frame and
// returns it. The padding happens once per stream end: repeated calls
// return nil until new bytes arrive, so flushing twice never appends
// spurious silence.
func (f *Framer) FlushWithSilence() []byte {
	if f.flushed || len(f.carry) == 0 {
		return nil
	}
	f.flushed = true

	frame := make([]byte, f.frameSize)
	copy(frame, f.carry)
	for i := len(f.carry); i < f.frameSize; i++ {
		frame[i] = f.silence
	}
	f.carry = nil
	return frame
}

// Pending returns the carried byte count.
func (f *Framer) Pending() int {
	return len(f.carry)
}

// Reset discards the carry. Used on barge-in, where buffered audio must
// never play.
func (f *Framer) Reset() {
	f.carry = nil
	f.flushed = false
}
