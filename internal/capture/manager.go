package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/pipeline"
	"github.com/lexiqai/caption-gateway/internal/source"
	"github.com/lexiqai/caption-gateway/internal/stt"
	"github.com/lexiqai/caption-gateway/internal/translate"
)

const defaultSpeechLanguage = "en-US"

// Options wires a Manager to its collaborators
type Options struct {
	Sources  source.Provider
	Captions CaptionSink
	Observer Observer

	// Base settings; per-start fields (endpoint, credential, languages) are
	// filled from Config.
	Backend   stt.Options
	Translate translate.Config
	Pipeline  pipeline.Config

	NewBackend    func(kind stt.Kind, opts stt.Options) (stt.Backend, error)
	NewTranslator func(ctx context.Context, cfg translate.Config) (Translator, string)
}

// Manager runs at most one capture session at a time
type Manager struct {
	opts   Options
	logger zerolog.Logger

	// opMu serialises Start and Stop
	opMu sync.Mutex

	// stateMu guards everything below. Submits hold it for reading, so
	// taking it for writing closes the gate on in-flight audio.
	stateMu     sync.RWMutex
	state       State
	sess        *session
	pendingStop bool
	status      Status
}

// NewManager creates an idle manager
func NewManager(opts Options) *Manager {
	if opts.NewBackend == nil {
		opts.NewBackend = stt.NewBackend
	}
	if opts.NewTranslator == nil {
		opts.NewTranslator = func(ctx context.Context, cfg translate.Config) (Translator, string) {
			return translate.New(ctx, cfg)
		}
	}
	return &Manager{
		opts:   opts,
		logger: observability.Component("capture"),
		state:  StateIdle,
	}
}

// Status returns the current session snapshot
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	st := m.status
	st.State = m.state
	return st
}

// Start begins a capture session for cfg. A session that is already
// starting or capturing is fully stopped first. Start returns only once
// the new session is capturing or has failed and rolled back to Idle.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	// Supersede a pending start instead of waiting out its setup
	m.stateMu.Lock()
	if m.state == StateStarting {
		m.pendingStop = true
	}
	m.stateMu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	cfg, err := normalize(cfg)
	if err != nil {
		return err
	}

	m.stopLocked(nil)
	return m.startLocked(ctx, cfg)
}

// Stop ends the current session. It is idempotent and never fails. A Stop
// that arrives while a Start is pending is applied when that Start resolves.
func (m *Manager) Stop() error {
	m.stateMu.Lock()
	if m.state == StateStarting {
		m.pendingStop = true
		m.stateMu.Unlock()
		m.logger.Info().Msg("Stop requested during start, deferring")
		return nil
	}
	m.stateMu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopLocked(nil)
	return nil
}

func normalize(cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.SpeechLanguage) == "" {
		cfg.SpeechLanguage = defaultSpeechLanguage
	}
	tag, err := language.Parse(cfg.SpeechLanguage)
	if err != nil {
		return cfg, fmt.Errorf("invalid speech language %q: %w", cfg.SpeechLanguage, err)
	}
	cfg.SpeechLanguage = tag.String()

	kind, err := stt.ParseKind(string(cfg.Backend))
	if err != nil {
		return cfg, err
	}
	cfg.Backend = kind
	return cfg, nil
}

func (m *Manager) startLocked(ctx context.Context, cfg Config) error {
	sessionID := uuid.New().String()
	logger := observability.WithSession(sessionID, string(cfg.Backend))
	metrics := observability.NewSessionMetrics(sessionID, string(cfg.Backend))

	m.stateMu.Lock()
	m.state = StateStarting
	m.pendingStop = false
	m.status = Status{
		SessionID:         sessionID,
		Backend:           cfg.Backend,
		SpeechLanguage:    cfg.SpeechLanguage,
		TranslationTarget: cfg.TranslationTarget,
	}
	m.stateMu.Unlock()
	m.notifyStatus()

	logger.Info().
		Str("source", cfg.SourceRef).
		Str("language", cfg.SpeechLanguage).
		Str("target", cfg.TranslationTarget).
		Msg("Starting capture session")

	fail := func(reason string, err error) error {
		metrics.RecordStartFailure(reason)
		m.stateMu.Lock()
		m.state = StateIdle
		m.pendingStop = false
		m.stateMu.Unlock()
		m.notifyStatus()
		logger.Warn().Err(err).Str("reason", reason).Msg("Capture session failed to start")
		return err
	}

	stream, err := m.opts.Sources.Acquire(ctx, cfg.SourceRef)
	if err != nil {
		if !errors.Is(err, source.ErrNoActiveSource) {
			err = fmt.Errorf("%w: %v", source.ErrNoActiveSource, err)
		}
		return fail("no_source", err)
	}

	backendOpts := m.opts.Backend
	backendOpts.Language = cfg.SpeechLanguage
	if cfg.Endpoint != "" {
		backendOpts.Endpoint = cfg.Endpoint
	}
	if cfg.CredentialRef != "" {
		backendOpts.Credential = cfg.CredentialRef
	}
	backendOpts.Logger = &logger

	backend, err := m.opts.NewBackend(cfg.Backend, backendOpts)
	if err != nil {
		stream.Release()
		return fail("backend_setup", asUnavailable(err))
	}

	// Backend open and translator init block independently
	var (
		translator Translator
		warning    string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return backend.Open(gctx)
	})
	g.Go(func() error {
		tcfg := m.opts.Translate
		tcfg.Source = cfg.SpeechLanguage
		tcfg.Target = cfg.TranslationTarget
		tcfg.Logger = &logger
		translator, warning = m.opts.NewTranslator(gctx, tcfg)
		return nil
	})
	if err := g.Wait(); err != nil {
		backend.Close()
		stream.Release()
		return fail("backend_unavailable", asUnavailable(err))
	}

	s := newSession(m, sessionID, cfg, stream, backend, translator, logger, metrics)

	m.stateMu.Lock()
	if m.pendingStop {
		m.pendingStop = false
		m.state = StateStopping
		m.stateMu.Unlock()
		m.notifyStatus()

		s.teardown()
		metrics.RecordStartFailure("cancelled")
		m.stateMu.Lock()
		m.state = StateIdle
		m.stateMu.Unlock()
		m.notifyStatus()
		logger.Info().Msg("Capture start cancelled by stop")
		return ErrStartCancelled
	}
	m.state = StateCapturing
	m.sess = s
	m.stateMu.Unlock()

	metrics.RecordSessionStart()
	s.run(m.opts.Pipeline)
	m.notifyStatus()

	if warning != "" {
		s.deliver(stt.Warning(warning))
	}
	logger.Info().Str("strategy", backend.Strategy().String()).Msg("Capture session started")
	return nil
}

// stopLocked tears down the current session. reason is the fatal error
// that ended it, nil for a requested stop. Caller holds opMu.
func (m *Manager) stopLocked(reason error) {
	m.stateMu.Lock()
	s := m.sess
	if s == nil && m.state == StateIdle {
		m.stateMu.Unlock()
		return
	}
	m.state = StateStopping
	if reason != nil {
		m.status.LastWarning = failureText(reason)
	}
	m.stateMu.Unlock()
	m.notifyStatus()

	if s != nil {
		s.teardown()
		s.metrics.RecordSessionEnd()
	}
	m.clearCaptions()

	m.stateMu.Lock()
	m.state = StateIdle
	m.sess = nil
	m.stateMu.Unlock()
	m.notifyStatus()

	if s != nil {
		s.logger.Info().Err(reason).Msg("Capture session stopped")
	}
}

// terminate stops s after a fatal runtime failure unless it was already
// replaced or stopped.
func (m *Manager) terminate(s *session, reason error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.stateMu.RLock()
	current := m.sess == s
	m.stateMu.RUnlock()
	if !current {
		return
	}
	s.logger.Warn().Err(reason).Msg("Capture session failed, stopping")
	s.metrics.RecordError(errorType(reason), "capture")
	m.stopLocked(reason)
}

// admit runs fn only while s is the capturing session
func (m *Manager) admit(s *session, fn func()) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.sess != s || m.state != StateCapturing {
		return false
	}
	fn()
	return true
}

// record updates the status for an event of s. It reports false once s is
// no longer capturing, in which case the event must be dropped.
func (m *Manager) record(s *session, ev stt.Event) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.sess != s || m.state != StateCapturing {
		return false
	}
	switch ev.Kind {
	case stt.EventTranscript:
		m.status.LastTranscript = ev.Text
	case stt.EventWarning:
		m.status.LastWarning = ev.Text
	}
	return true
}

func (m *Manager) notifyStatus() {
	if m.opts.Observer == nil {
		return
	}
	st := m.Status()
	safely(m.logger, "observer", func() { m.opts.Observer.OnStatusChange(st) })
}

func (m *Manager) clearCaptions() {
	if m.opts.Captions == nil {
		return
	}
	safely(m.logger, "captions", m.opts.Captions.Clear)
}

// safely runs one sink call, containing panics so one sink can never take
// down the other or the session.
func safely(logger zerolog.Logger, sink string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("sink", sink).Interface("panic", r).Msg("Event sink panicked")
			observability.RecordWarning("sink_" + sink)
		}
	}()
	fn()
}

func asUnavailable(err error) error {
	if errors.Is(err, stt.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", stt.ErrBackendUnavailable, err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrSourceEnded):
		return "source_ended"
	case errors.Is(err, stt.ErrBackendTerminated):
		return "backend_terminated"
	}
	return "runtime"
}

func failureText(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrSourceEnded):
		return "Audio source ended. Captions stopped."
	case errors.Is(err, stt.ErrBackendTerminated):
		return "Transcription service disconnected. Captions stopped."
	}
	return "Captions stopped: " + err.Error()
}
