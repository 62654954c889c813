package capture

// Framer regroups arbitrarily sized sample slices into fixed-size
// frames. At most frameSize-1 samples stay buffered between pushes.
type Framer struct {
	frameSize int
	residue   []int16
}

// NewFramer creates a Framer emitting frames of frameSize samples.
func NewFramer(frameSize int) *Framer {
	return &Framer{frameSize: frameSize}
}

// Push appends samples and returns every complete frame now available,
// in order. Returned frames are freshly allocated.
func (f *Framer) Push(samples []int16) [][]int16 {
	f.residue = append(f.residue, samples...)

	n := len(f.residue) / f.frameSize
	if n == 0 {
		return nil
	}

	frames := make([][]int16, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]int16, f.frameSize)
		copy(frame, f.residue[i*f.frameSize:(i+1)*f.frameSize])
		frames = append(frames, frame)
	}
	f.residue = append(f.residue[:0], f.residue[n*f.frameSize:]...)
	return frames
}

// Flush returns the buffered remainder as one short frame, or nil when
// nothing is pending.
func (f *Framer) Flush() []int16 {
	if len(f.residue) == 0 {
		return nil
	}
	frame := make([]int16, len(f.residue))
	copy(frame, f.residue)
	f.residue = f.residue[:0]
	return frame
}

// Pending reports the number of buffered samples.
func (f *Framer) Pending() int {
	return len(f.residue)
}
