package capture

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/pipeline"
	"github.com/lexiqai/caption-gateway/internal/source"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// session holds the resources of one start
type session struct {
	id         string
	cfg        Config
	manager    *Manager
	stream     source.Stream
	backend    stt.Backend
	translator Translator
	logger     zerolog.Logger
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	teardownOnce sync.Once
}

func newSession(m *Manager, id string, cfg Config, stream source.Stream, backend stt.Backend, translator Translator, logger zerolog.Logger, metrics *observability.Metrics) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:         id,
		cfg:        cfg,
		manager:    m,
		stream:     stream,
		backend:    backend,
		translator: translator,
		logger:     logger,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Admit implements pipeline.Gate
func (s *session) Admit(fn func()) bool {
	return s.manager.admit(s, fn)
}

// run starts the audio pump and the event loop
func (s *session) run(cfg pipeline.Config) {
	p := pipeline.New(s.stream, s.backend, s, cfg, s.logger)

	s.group.Go(func() error {
		err := p.Run(s.ctx)
		if err != nil {
			s.fail(err)
		}
		return err
	})
	s.group.Go(func() error {
		return s.eventLoop()
	})
}

// eventLoop is the sole reader of the backend's events
func (s *session) eventLoop() error {
	events := s.backend.Events()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if s.ctx.Err() != nil {
					return nil
				}
				err := s.backend.Err()
				if err == nil {
					err = stt.ErrBackendTerminated
				}
				s.fail(err)
				return err
			}
			if ev.Kind == stt.EventTranscript && s.translator != nil {
				ev.Text = s.translator.Apply(s.ctx, ev.Text)
			}
			s.deliver(ev)
		}
	}
}

// deliver forwards one event to both sinks while the session is capturing
func (s *session) deliver(ev stt.Event) {
	if !s.manager.record(s, ev) {
		return
	}

	opts := s.manager.opts
	switch ev.Kind {
	case stt.EventTranscript:
		s.metrics.RecordTranscript(ev.IsFinal)
		if opts.Captions != nil {
			safely(s.logger, "captions", func() { opts.Captions.Handle(ev) })
		}
		if opts.Observer != nil {
			safely(s.logger, "observer", func() { opts.Observer.OnTranscript(ev.Text, ev.IsFinal) })
		}
	case stt.EventWarning:
		observability.RecordWarning("capture")
		s.logger.Warn().Str("warning", ev.Text).Msg("Session warning")
		if opts.Captions != nil {
			safely(s.logger, "captions", func() { opts.Captions.Handle(ev) })
		}
		if opts.Observer != nil {
			safely(s.logger, "observer", func() { opts.Observer.OnWarning(ev.Text) })
		}
	}
}

// fail hands a fatal error to the manager without blocking the caller,
// which is one of the goroutines teardown waits for.
func (s *session) fail(err error) {
	go s.manager.terminate(s, err)
}

// teardown releases everything the session holds. Errors are logged and
// swallowed.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		if err := s.backend.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Backend close failed")
		}
		s.stream.Release()
		s.group.Wait()
	})
}
