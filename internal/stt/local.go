package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

const audioCaptureWarning = "Audio capture failed. Try refreshing the page."

// RecognitionOptions configures one recognition run
type RecognitionOptions struct {
	Language       string
	SampleRate     int
	Continuous     bool
	InterimResults bool
}

// Result is one hypothesis from a recognizer
type Result struct {
	Text    string
	IsFinal bool
}

// Recognizer is an on-device continuous recognition capability. Run performs
// one recognition session: it reads frames, sends results in order, and
// returns when the engine stops itself (nil), hears nothing (ErrNoSpeech),
// loses its input (ErrAudioCapture), fails otherwise, or ctx is cancelled.
type Recognizer interface {
	Run(ctx context.Context, opts RecognitionOptions, frames <-chan []float32, results chan<- Result) error
}

// Prober is implemented by recognizers that can check their engine before
// the first run.
type Prober interface {
	Probe(ctx context.Context) error
}

// LocalEngine drives a Recognizer under a supervised restart loop for as
// long as it is open.
type LocalEngine struct {
	opts   Options
	log    zerolog.Logger
	rec    Recognizer
	stream *eventStream

	frames    chan []float32
	results   chan Result
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLocalEngine creates an unopened local engine around opts.Recognizer
func NewLocalEngine(opts Options) *LocalEngine {
	opts = opts.withDefaults(KindLocal)
	if opts.Restart == nil {
		opts.Restart = resilience.DefaultSuperviseConfig()
	}
	return &LocalEngine{
		opts:    opts,
		log:     *opts.Logger,
		rec:     opts.Recognizer,
		stream:  newEventStream(64),
		frames:  make(chan []float32, 64),
		results: make(chan Result, 16),
	}
}

func (l *LocalEngine) Kind() Kind { return KindLocal }

func (l *LocalEngine) Strategy() Strategy { return StrategyLocal }

func (l *LocalEngine) Events() <-chan Event { return l.stream.events() }

func (l *LocalEngine) Err() error { return l.stream.terminal() }

// Open probes the recognizer if it supports it and starts recognition
func (l *LocalEngine) Open(ctx context.Context) error {
	if l.rec == nil {
		return fmt.Errorf("%w: no speech recognizer available", ErrBackendUnavailable)
	}
	if p, ok := l.rec.(Prober); ok {
		probeCtx, cancel := context.WithTimeout(ctx, l.opts.OpenTimeout)
		err := p.Probe(probeCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running.Store(true)

	recOpts := RecognitionOptions{
		Language:       l.opts.Language,
		SampleRate:     l.opts.SampleRate,
		Continuous:     true,
		InterimResults: true,
	}

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		resilience.Supervise(runCtx, func(ctx context.Context) error {
			return l.rec.Run(ctx, recOpts, l.frames, l.results)
		}, l.opts.Restart, l.classify)
	}()
	go func() {
		defer l.wg.Done()
		l.forward(runCtx)
	}()

	l.log.Info().Str("language", l.opts.Language).Msg("Local speech engine started")
	return nil
}

// classify maps the end of one recognition run to a restart policy
func (l *LocalEngine) classify(err error) resilience.RestartPolicy {
	switch {
	case err == nil:
		l.log.Debug().Msg("Recognition ended, restarting")
		return resilience.RestartNow
	case errors.Is(err, ErrNoSpeech):
		l.log.Debug().Msg("No speech detected, restarting")
		return resilience.RestartBackoff
	case errors.Is(err, ErrAudioCapture):
		l.log.Warn().Err(err).Msg("Recognizer lost audio input")
		observability.RecordWarning("local")
		l.stream.emit(Warning(audioCaptureWarning))
		return resilience.RestartBackoff
	default:
		l.log.Error().Err(err).Msg("Recognition failed, restarting")
		observability.RecordWarning("local")
		l.stream.emit(Warning("Speech recognition error: " + err.Error()))
		return resilience.RestartBackoff
	}
}

func (l *LocalEngine) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-l.results:
			if r.Text == "" {
				continue
			}
			if !l.stream.emit(Transcript(r.Text, r.IsFinal)) {
				return
			}
		}
	}
}

// Submit hands a frame to the running recognizer. Frames are dropped when
// the recognizer is not keeping up.
func (l *LocalEngine) Submit(p audio.Payload) error {
	frame, ok := p.(audio.Frame)
	if !ok {
		return unsupportedPayload(KindLocal, p)
	}
	if !l.running.Load() {
		return ErrTransportNotReady
	}
	select {
	case l.frames <- frame.Samples:
		observability.RecordAudioBytes(string(KindLocal), 4*len(frame.Samples))
		return nil
	default:
		return ErrTransportNotReady
	}
}

// Close stops recognition and ends the event stream
func (l *LocalEngine) Close() error {
	l.closeOnce.Do(func() {
		l.running.Store(false)
		l.stream.finish(nil)
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
		l.log.Info().Msg("Local speech engine stopped")
	})
	return nil
}
