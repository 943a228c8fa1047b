// Package translate post-processes transcript text into a target language.
// Translation is strictly best effort: setup failures degrade to
// passthrough with one warning and per-call failures return the input.
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

var (
	// ErrUnavailable reports that a translator cannot serve the requested target
	ErrUnavailable = errors.New("translation unavailable")

	errTargetUnsupported = fmt.Errorf("%w: target language not supported", ErrUnavailable)
	errModelUnavailable  = fmt.Errorf("%w: translation model not available", ErrUnavailable)
)

// Translator is one translation variant
type Translator interface {
	Name() string
	Init(ctx context.Context, source, target language.Tag) error
	Translate(ctx context.Context, text string) (string, error)
}

// Config selects and configures a translator for one session
type Config struct {
	Variant string // "native" or "prompted"
	Source  string // speech language, BCP-47
	Target  string // translation target, BCP-47; empty disables translation

	NativeURL     string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	Timeout    time.Duration // per call
	Breaker    *resilience.CircuitBreaker
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Adapter applies the session's translator to transcript text
type Adapter struct {
	tr      Translator
	target  language.Tag
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	log     zerolog.Logger
}

// New builds the adapter for cfg. It never fails: when the configured
// variant cannot serve the target, the adapter passes text through and the
// returned warning describes the degradation. The warning is empty when no
// degradation happened.
func New(ctx context.Context, cfg Config) (*Adapter, string) {
	log := observability.Component("translate")
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "translate").Logger()
	}
	a := &Adapter{tr: Passthrough{}, timeout: cfg.Timeout, log: log, breaker: cfg.Breaker}
	if a.timeout <= 0 {
		a.timeout = 2 * time.Second
	}

	if strings.TrimSpace(cfg.Target) == "" {
		return a, ""
	}

	target, err := language.Parse(cfg.Target)
	if err != nil {
		log.Warn().Str("target", cfg.Target).Err(err).Msg("Invalid translation target")
		return a, fmt.Sprintf("Translation to %s not available.", cfg.Target)
	}
	source := language.Und
	if cfg.Source != "" {
		if tag, err := language.Parse(cfg.Source); err == nil {
			source = tag
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	var tr Translator
	switch cfg.Variant {
	case "prompted":
		tr = NewPrompted(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, httpClient)
	case "native", "":
		tr = NewNative(cfg.NativeURL, httpClient)
	default:
		log.Warn().Str("variant", cfg.Variant).Msg("Unknown translator variant")
		return a, "Translation unavailable: unknown translator " + cfg.Variant
	}

	if err := tr.Init(ctx, source, target); err != nil {
		log.Warn().Err(err).Str("variant", tr.Name()).Str("target", target.String()).Msg("Translator unavailable, showing original text")
		observability.RecordWarning("translate")
		return a, degradedWarning(err, target)
	}

	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker("translate", 5, 30*time.Second)
	}
	a.breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		log.Warn().Str("breaker", name).Str("state", state.String()).Msg("Translation circuit breaker changed state")
	})

	a.tr = tr
	a.target = target
	log.Info().Str("variant", tr.Name()).Str("target", target.String()).Msg("Translator ready")
	return a, ""
}

func degradedWarning(err error, target language.Tag) string {
	switch {
	case errors.Is(err, errTargetUnsupported):
		return fmt.Sprintf("Translation to %s not available.", displayName(target))
	case errors.Is(err, errModelUnavailable):
		return "Translation model not available. Showing original text."
	}
	return "Translation unavailable: " + err.Error()
}

// displayName renders a tag in English ("es" becomes "Spanish")
func displayName(tag language.Tag) string {
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

// Active reports whether text is actually being translated
func (a *Adapter) Active() bool {
	_, passthrough := a.tr.(Passthrough)
	return !passthrough
}

// Name returns the variant in use
func (a *Adapter) Name() string { return a.tr.Name() }

// Apply translates text. It never fails: empty input, calls rejected by the
// circuit breaker, and translation errors all return text unchanged.
func (a *Adapter) Apply(ctx context.Context, text string) string {
	if a == nil || !a.Active() || strings.TrimSpace(text) == "" {
		return text
	}

	var out string
	err := a.breaker.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		var err error
		out, err = a.tr.Translate(callCtx, text)
		return err
	})
	if err != nil {
		observability.RecordTranslation(a.tr.Name(), false)
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(a.breaker.Name())
		}
		a.log.Debug().Err(err).Msg("Translation failed, showing original text")
		return text
	}
	observability.RecordTranslation(a.tr.Name(), true)

	if strings.TrimSpace(out) == "" {
		return text
	}
	return out
}

// Passthrough returns text unchanged
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Init(context.Context, language.Tag, language.Tag) error { return nil }

func (Passthrough) Translate(_ context.Context, text string) (string, error) { return text, nil }
