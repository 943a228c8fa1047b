// Package capture owns the capture session lifecycle: it acquires an audio
// source, opens a recognition backend, runs the pipeline between them and
// fans backend events out to the caption engine and the status observer.
package capture

import (
	"context"
	"errors"

	"github.com/lexiqai/caption-gateway/internal/stt"
)

// ErrStartCancelled is returned by a Start that a Stop arrived for while it
// was still pending. The session is back to Idle.
var ErrStartCancelled = errors.New("capture start cancelled")

// State is the session lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is one start request
type Config struct {
	SourceRef         string   `json:"sourceRef,omitempty"`
	SpeechLanguage    string   `json:"speechLanguage,omitempty"`
	TranslationTarget string   `json:"translationTarget,omitempty"`
	Backend           stt.Kind `json:"backend,omitempty"`
	Endpoint          string   `json:"endpoint,omitempty"`
	CredentialRef     string   `json:"credential,omitempty"`
}

// Status is a snapshot of the current session
type Status struct {
	State             State    `json:"state"`
	SessionID         string   `json:"sessionId,omitempty"`
	Backend           stt.Kind `json:"backend,omitempty"`
	SpeechLanguage    string   `json:"speechLanguage,omitempty"`
	TranslationTarget string   `json:"translationTarget,omitempty"`
	LastTranscript    string   `json:"lastTranscript"`
	LastWarning       string   `json:"lastWarning"`
}

// CaptionSink renders transcripts on screen
type CaptionSink interface {
	Handle(ev stt.Event)
	Clear()
}

// Observer receives session notifications for the control surface
type Observer interface {
	OnTranscript(text string, isFinal bool)
	OnStatusChange(status Status)
	OnWarning(text string)
}

// Translator rewrites transcript text. It never fails.
type Translator interface {
	Apply(ctx context.Context, text string) string
}
