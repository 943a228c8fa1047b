package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/capture"
	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/settings"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// Controller is the capture lifecycle the control channel drives
type Controller interface {
	Start(ctx context.Context, cfg capture.Config) error
	Stop() error
	Status() capture.Status
}

// Positioner moves the caption overlay
type Positioner interface {
	SetPosition(pos caption.Position) error
}

// SettingsReader supplies defaults for start requests
type SettingsReader interface {
	Get(key string) (string, bool)
}

// Request is an inbound control message
type Request struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"` // start, stop, status, set_position
	Config   *capture.Config `json:"config,omitempty"`
	Position string          `json:"position,omitempty"`
}

// Response answers one Request
type Response struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Status *capture.Status `json:"status,omitempty"`
}

// Push is an unsolicited notification
type Push struct {
	Type    string          `json:"type"` // transcript, status, warning
	Text    string          `json:"text,omitempty"`
	IsFinal bool            `json:"isFinal,omitempty"`
	Status  *capture.Status `json:"status,omitempty"`
}

// Hub is the control channel. It also observes the capture session and
// pushes its notifications to every control page.
type Hub struct {
	pages          *clientSet
	controller     Controller
	positioner     Positioner
	settings       SettingsReader
	defaultBackend stt.Kind
	defaultLang    string
	startTimeout   time.Duration
	logger         zerolog.Logger
}

// HubOptions configures a Hub
type HubOptions struct {
	Controller      Controller
	Positioner      Positioner
	Settings        SettingsReader
	DefaultBackend  stt.Kind
	DefaultLanguage string
	StartTimeout    time.Duration
}

// NewHub creates a control hub. Controller may be set later with
// SetController, before the first request.
func NewHub(opts HubOptions) *Hub {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = stt.KindSocket
	}
	return &Hub{
		pages:          newClientSet("control"),
		controller:     opts.Controller,
		positioner:     opts.Positioner,
		settings:       opts.Settings,
		defaultBackend: opts.DefaultBackend,
		defaultLang:    opts.DefaultLanguage,
		startTimeout:   opts.StartTimeout,
		logger:         observability.Component("control"),
	}
}

// SetController attaches the capture lifecycle. The hub is created first
// because it is also the lifecycle's observer.
func (h *Hub) SetController(c Controller) { h.controller = c }

// HandleControl serves GET /control
func (h *Hub) HandleControl() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.pages.serve(w, r, h.greet, h.onMessage)
	}
}

func (h *Hub) greet(c *client) {
	st := h.controller.Status()
	h.pages.send(c, Push{Type: "status", Status: &st})
}

// onMessage handles one request. Each runs on its own goroutine so a stop
// can overtake a pending start on the same connection.
func (h *Hub) onMessage(c *client, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn().Err(err).Msg("Ignoring malformed control message")
		h.pages.send(c, Response{Type: "response", Error: "malformed request"})
		return
	}
	go func() {
		resp := h.Dispatch(req)
		h.pages.send(c, resp)
	}()
}

// Dispatch executes one request
func (h *Hub) Dispatch(req Request) Response {
	resp := Response{ID: req.ID, Type: "response"}
	logger := h.logger.With().Str("request_id", req.ID).Str("request", req.Type).Logger()

	var err error
	switch req.Type {
	case "start":
		var cfg capture.Config
		if req.Config != nil {
			cfg = *req.Config
		}
		cfg = ResolveConfig(h.settings, cfg, h.defaultBackend)
		if cfg.SpeechLanguage == "" {
			cfg.SpeechLanguage = h.defaultLang
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.startTimeout)
		err = h.controller.Start(ctx, cfg)
		cancel()
	case "stop":
		err = h.controller.Stop()
	case "status":
	case "set_position":
		var pos caption.Position
		pos, err = caption.ParsePosition(req.Position)
		if err == nil && h.positioner != nil {
			err = h.positioner.SetPosition(pos)
		}
	default:
		resp.Error = "unknown request type: " + req.Type
		return resp
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Control request failed")
		resp.Error = err.Error()
	} else {
		resp.OK = true
	}
	st := h.controller.Status()
	resp.Status = &st
	return resp
}

// HandleStatus serves GET /api/status
func (h *Hub) HandleStatus(sources func() []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			capture.Status
			Sources      []string `json:"sources"`
			ControlPages int      `json:"controlPages"`
		}{
			Status:       h.controller.Status(),
			ControlPages: h.pages.count(),
		}
		if sources != nil {
			body.Sources = sources()
		}
		if body.Sources == nil {
			body.Sources = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func (h *Hub) OnTranscript(text string, isFinal bool) {
	h.pages.broadcast(Push{Type: "transcript", Text: text, IsFinal: isFinal})
}

func (h *Hub) OnStatusChange(st capture.Status) {
	h.pages.broadcast(Push{Type: "status", Status: &st})
}

func (h *Hub) OnWarning(text string) {
	h.pages.broadcast(Push{Type: "warning", Text: text})
}

// ResolveConfig fills the blanks of a start request from the settings
// store. A translation target of "none" disables translation. The stored
// endpoint is only used with the backend it was stored for.
func ResolveConfig(store SettingsReader, req capture.Config, defaultBackend stt.Kind) capture.Config {
	pick := func(v, key string) string {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if store != nil {
			if s, ok := store.Get(key); ok {
				return s
			}
		}
		return ""
	}

	cfg := req
	cfg.SpeechLanguage = pick(req.SpeechLanguage, settings.KeySpeechLanguage)
	cfg.TranslationTarget = pick(req.TranslationTarget, settings.KeyTranslationTarget)
	if strings.EqualFold(cfg.TranslationTarget, "none") {
		cfg.TranslationTarget = ""
	}

	// The stored endpoint belongs to the stored backend, or to the default
	// one when no backend is stored
	stored := stt.Kind(pick("", settings.KeyBackend))
	if stored == "" {
		stored = defaultBackend
	}
	cfg.Backend = stt.Kind(strings.TrimSpace(string(req.Backend)))
	if cfg.Backend == "" {
		cfg.Backend = stored
	}
	cfg.Endpoint = strings.TrimSpace(req.Endpoint)
	if cfg.Endpoint == "" && cfg.Backend == stored {
		cfg.Endpoint = pick("", settings.KeyBackendEndpoint)
	}

	switch cfg.Backend {
	case stt.KindBatch:
		cfg.CredentialRef = pick(req.CredentialRef, settings.KeyAssemblyAPIKey)
	case stt.KindDeepgram:
		cfg.CredentialRef = pick(req.CredentialRef, settings.KeyDeepgramAPIKey)
	}
	return cfg
}
