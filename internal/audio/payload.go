package audio

import "time"

// Payload is one unit of audio handed to a recognition backend. The set of
// implementations is closed: Chunk, Segment and Frame.
type Payload interface {
	payload()
}

// Chunk is a fixed window of PCM16 little-endian mono samples. It is never
// mutated after creation and is consumed by exactly one submit.
type Chunk struct {
	data       []byte
	sampleRate int
}

// NewChunk converts float samples into an immutable PCM16 chunk
func NewChunk(samples []float32, sampleRate int) Chunk {
	return Chunk{data: Int16ToBytes(Float32ToInt16(samples)), sampleRate: sampleRate}
}

// Bytes returns the raw PCM16 bytes. Callers must not modify the slice.
func (c Chunk) Bytes() []byte { return c.data }

// Samples returns the number of samples in the chunk
func (c Chunk) Samples() int { return len(c.data) / 2 }

// SampleRate returns the chunk's sample rate in Hz
func (c Chunk) SampleRate() int { return c.sampleRate }

func (Chunk) payload() {}

// Segment is a fixed-duration recording encoded as a WAV file
type Segment struct {
	WAV      []byte
	Duration time.Duration
	Seq      int
}

func (Segment) payload() {}

// Frame carries resampled float samples straight to a local engine
type Frame struct {
	Samples    []float32
	SampleRate int
}

func (Frame) payload() {}

// Framer windows a continuous sample stream into fixed-size chunks. It keeps
// at most one partial window between calls.
type Framer struct {
	size       int
	sampleRate int
	pending    []float32
}

// NewFramer creates a framer emitting windows of size samples
func NewFramer(size, sampleRate int) *Framer {
	return &Framer{
		size:       size,
		sampleRate: sampleRate,
		pending:    make([]float32, 0, size),
	}
}

// Push appends samples and returns every chunk completed by them
func (f *Framer) Push(samples []float32) []Chunk {
	var chunks []Chunk
	for len(samples) > 0 {
		n := f.size - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]

		if len(f.pending) == f.size {
			chunks = append(chunks, NewChunk(f.pending, f.sampleRate))
			f.pending = f.pending[:0]
		}
	}
	return chunks
}

// Pending returns the number of buffered samples not yet emitted
func (f *Framer) Pending() int { return len(f.pending) }

// Reset discards the partial window
func (f *Framer) Reset() { f.pending = f.pending[:0] }
