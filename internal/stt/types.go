package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

var (
	// ErrBackendUnavailable reports a connection, credential or capability failure at open time
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendTerminated reports that an open backend went away on its own
	ErrBackendTerminated = errors.New("backend terminated")

	// ErrTransportNotReady is returned by Submit when the payload could not be handed over.
	// The payload is dropped; callers never queue it.
	ErrTransportNotReady = errors.New("transport not ready")

	// ErrNoSpeech is a recognition gap that is recovered by restarting
	ErrNoSpeech = errors.New("no speech detected")

	// ErrAudioCapture means the recognizer lost its audio input
	ErrAudioCapture = errors.New("audio capture failed")
)

// EventKind distinguishes transcript events from advisory warnings
type EventKind int

const (
	EventTranscript EventKind = iota
	EventWarning
)

// Event is one item of a backend's outgoing event stream
type Event struct {
	Kind      EventKind
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

// Transcript builds a transcript event stamped with the current time
func Transcript(text string, isFinal bool) Event {
	return Event{Kind: EventTranscript, Text: text, IsFinal: isFinal, Timestamp: time.Now()}
}

// Warning builds a warning event stamped with the current time
func Warning(text string) Event {
	return Event{Kind: EventWarning, Text: text, Timestamp: time.Now()}
}

// Kind names a backend variant
type Kind string

const (
	KindSocket   Kind = "socket"
	KindBatch    Kind = "batch"
	KindLocal    Kind = "local"
	KindDeepgram Kind = "deepgram"
)

// ParseKind validates a backend name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSocket, KindBatch, KindLocal, KindDeepgram:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, s)
}

// Strategy tells the pipeline which payloads a backend consumes
type Strategy int

const (
	StrategyContinuous Strategy = iota // audio.Chunk per 4096-sample window
	StrategySegmented                  // audio.Segment per fixed-duration recording
	StrategyLocal                      // audio.Frame straight from the source
)

func (s Strategy) String() string {
	switch s {
	case StrategyContinuous:
		return "continuous"
	case StrategySegmented:
		return "segmented"
	case StrategyLocal:
		return "local"
	}
	return "unknown"
}

// Backend is the uniform contract over every transcription variant.
//
// Open must be called once before Submit. Events is live from construction
// and is closed when the backend closes, either through Close or because it
// terminated on its own; Err then tells the two apart.
type Backend interface {
	Kind() Kind
	Strategy() Strategy
	Open(ctx context.Context) error
	Submit(p audio.Payload) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Options carries everything a backend variant may need. Fields a variant
// does not use are ignored.
type Options struct {
	Endpoint      string // socket URL, REST base URL or recognizer server URL
	Credential    string
	Language      string // BCP-47 speech language
	SampleRate    int
	OpenTimeout   time.Duration
	PollInterval  time.Duration
	DeepgramModel string

	Retry      *resilience.RetryConfig
	Restart    *resilience.SuperviseConfig
	HTTPClient *http.Client
	Recognizer Recognizer
	Logger     *zerolog.Logger
}

const (
	defaultSampleRate   = 16000
	defaultOpenTimeout  = 3 * time.Second
	defaultPollInterval = time.Second
)

func (o Options) withDefaults(kind Kind) Options {
	if o.SampleRate <= 0 {
		o.SampleRate = defaultSampleRate
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = defaultOpenTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		l := observability.GetLogger()
		o.Logger = &l
	}
	l := o.Logger.With().Str("component", "stt").Str("backend", string(kind)).Logger()
	o.Logger = &l
	return o
}

// NewBackend selects and constructs the variant for kind. Nothing is
// dialled until Open.
func NewBackend(kind Kind, opts Options) (Backend, error) {
	switch kind {
	case KindSocket:
		return NewSocketBackend(opts), nil
	case KindBatch:
		return NewBatchBackend(opts), nil
	case KindLocal:
		return NewLocalEngine(opts), nil
	case KindDeepgram:
		return NewDeepgramBackend(opts), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, kind)
}

func unsupportedPayload(kind Kind, p audio.Payload) error {
	return fmt.Errorf("%s backend cannot accept %T", kind, p)
}
