// Package pipeline moves audio from an acquired source into a recognition
// backend using the strategy the backend asks for.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/source"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// ErrSourceEnded reports that the audio source stopped producing frames
var ErrSourceEnded = errors.New("audio source ended")

// Gate admits work only while the owning session is capturing. Admit runs
// fn and returns true, or returns false without running it. Closing the
// gate waits for admitted work to finish.
type Gate interface {
	Admit(fn func()) bool
}

// Config holds pipeline framing parameters
type Config struct {
	SampleRate      int           // backend rate, Hz
	ChunkSize       int           // samples per continuous chunk
	SegmentDuration time.Duration // batch recording length
}

// DefaultConfig returns 16 kHz, 4096-sample chunks and 5 s segments
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		ChunkSize:       4096,
		SegmentDuration: 5 * time.Second,
	}
}

// Pipeline pumps one source into one backend. It is single use.
type Pipeline struct {
	cfg     Config
	stream  source.Stream
	backend stt.Backend
	gate    Gate
	logger  zerolog.Logger

	resampler *audio.Resampler
	framer    *audio.Framer
	ring      *audio.RingBuffer
	segment   []int16
	seq       int

	uploading atomic.Bool
	uploads   sync.WaitGroup
}

// New wires stream to backend behind gate
func New(stream source.Stream, backend stt.Backend, gate Gate, cfg Config, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = def.SegmentDuration
	}

	p := &Pipeline{
		cfg:     cfg,
		stream:  stream,
		backend: backend,
		gate:    gate,
		logger:  logger.With().Str("component", "pipeline").Str("strategy", backend.Strategy().String()).Logger(),

		resampler: audio.NewResampler(cfg.SampleRate),
	}
	switch backend.Strategy() {
	case stt.StrategyContinuous:
		p.framer = audio.NewFramer(cfg.ChunkSize, cfg.SampleRate)
	case stt.StrategySegmented:
		n := int(cfg.SegmentDuration.Seconds() * float64(cfg.SampleRate))
		p.ring = audio.NewRingBuffer(n)
		p.segment = make([]int16, n)
	}
	return p
}

// Run pumps frames until ctx is done (nil) or the source ends
// (ErrSourceEnded). In-flight uploads are waited for before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.uploads.Wait()

	frames := p.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := p.stream.Err(); err != nil {
					return fmt.Errorf("%w: %v", ErrSourceEnded, err)
				}
				return ErrSourceEnded
			}
			p.handleFrame(frame)
		}
	}
}

func (p *Pipeline) handleFrame(frame []float32) {
	samples := p.resampler.Process(frame, p.stream.SampleRate())
	if len(samples) == 0 {
		return
	}

	switch p.backend.Strategy() {
	case stt.StrategyContinuous:
		for _, chunk := range p.framer.Push(samples) {
			p.submit(chunk, "chunk")
		}
	case stt.StrategySegmented:
		p.record(audio.Float32ToInt16(samples))
	case stt.StrategyLocal:
		p.submit(audio.Frame{Samples: samples, SampleRate: p.cfg.SampleRate}, "frame")
	}
}

// submit hands one payload to the backend if the session is capturing.
// Payloads the backend cannot take are dropped, never queued. Backends
// account for the bytes they send.
func (p *Pipeline) submit(payload audio.Payload, unit string) {
	var err error
	admitted := p.gate.Admit(func() {
		err = p.backend.Submit(payload)
	})
	switch {
	case !admitted:
		observability.RecordDropped(unit, "not_capturing")
	case errors.Is(err, stt.ErrTransportNotReady):
		observability.RecordDropped(unit, "transport_not_ready")
	case err != nil:
		observability.RecordDropped(unit, "submit_failed")
		p.logger.Debug().Err(err).Str("unit", unit).Msg("Submit failed, dropping audio")
	}
}

// record accumulates samples and cuts a segment every SegmentDuration
func (p *Pipeline) record(pcm []int16) {
	for len(pcm) > 0 {
		n := p.ring.Write(pcm)
		pcm = pcm[n:]
		if !p.ring.IsFull() {
			continue
		}
		p.ring.Read(p.segment)
		p.seq++
		seg, err := audio.NewSegment(p.segment, p.cfg.SampleRate, p.seq)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to encode segment")
			continue
		}
		p.dispatch(seg)
	}
}

// dispatch starts an upload unless the previous one is still pending, in
// which case the segment is dropped. Recording never waits.
func (p *Pipeline) dispatch(seg audio.Segment) {
	if !p.uploading.CompareAndSwap(false, true) {
		observability.RecordDropped("segment", "upload_pending")
		p.logger.Debug().Int("seq", seg.Seq).Msg("Previous segment still pending, dropping")
		return
	}

	admitted := p.gate.Admit(func() {
		p.uploads.Add(1)
	})
	if !admitted {
		p.uploading.Store(false)
		observability.RecordDropped("segment", "not_capturing")
		return
	}

	go func() {
		defer p.uploads.Done()
		defer p.uploading.Store(false)

		if err := p.backend.Submit(seg); err != nil && !errors.Is(err, stt.ErrTransportNotReady) {
			p.logger.Debug().Err(err).Int("seq", seg.Seq).Msg("Segment upload failed")
		}
	}()
}
