// Package caption keeps the on-screen caption buffer: which lines are
// visible, when they expire and how they leave the render surface.
package caption

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/settings"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// Mode selects how transcripts become caption lines
type Mode string

const (
	ModeMulti  Mode = "multi"  // scrolling buffer of final lines
	ModeSingle Mode = "single" // one line, overwritten by every event
)

// Position is where the overlay sits on screen
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
)

// ParsePosition validates a stored or requested position
func ParsePosition(s string) (Position, error) {
	switch p := Position(strings.ToLower(strings.TrimSpace(s))); p {
	case PositionTop, PositionBottom:
		return p, nil
	}
	return "", fmt.Errorf("invalid caption position %q", s)
}

// StyleHint tells the surface how to render a line
type StyleHint struct {
	LineID  uint64
	Partial bool // interim text that may still change
	Exiting bool // play the exit animation
}

// Surface renders caption lines. Implementations must not block.
type Surface interface {
	ShowLine(text string, hint StyleHint)
	RemoveLine(id uint64)
	HideAll()
	SetPosition(pos Position)
}

// Settings persists the caption position
type Settings interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Line is one caption line held by the engine
type Line struct {
	ID        uint64
	Text      string
	Partial   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

type exitingLine struct {
	id       uint64
	removeAt time.Time
}

// Config holds the engine's timing discipline
type Config struct {
	Mode          Mode
	MaxLines      int
	LineLifetime  time.Duration
	SweepInterval time.Duration
	ExitDelay     time.Duration
	FadeDelay     time.Duration
	CommitInterim bool // multi mode also shows interim text as a partial line
}

// DefaultConfig returns the standard caption timings
func DefaultConfig() Config {
	return Config{
		Mode:          ModeMulti,
		MaxLines:      5,
		LineLifetime:  5 * time.Second,
		SweepInterval: 100 * time.Millisecond,
		ExitDelay:     300 * time.Millisecond,
		FadeDelay:     4 * time.Second,
	}
}

// Engine owns the caption buffer for one render surface
type Engine struct {
	cfg      Config
	surface  Surface
	settings Settings
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lines   []*Line // oldest first
	exiting []exitingLine
	partial *Line // multi mode interim line, also in lines
	single  *Line
	fade    *time.Timer
	fadeGen uint64
	nextID  uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewEngine creates an engine. settings may be nil.
func NewEngine(cfg Config, surface Surface, store Settings) *Engine {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = def.MaxLines
	}
	if cfg.LineLifetime <= 0 {
		cfg.LineLifetime = def.LineLifetime
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ExitDelay < 0 {
		cfg.ExitDelay = 0
	}
	if cfg.FadeDelay <= 0 {
		cfg.FadeDelay = def.FadeDelay
	}
	return &Engine{
		cfg:      cfg,
		surface:  surface,
		settings: store,
		log:      observability.Component("caption"),
		now:      time.Now,
	}
}

// Start restores the stored position and runs the eviction sweep until
// Close. Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.stopSweep != nil {
		e.mu.Unlock()
		return
	}
	e.stopSweep = make(chan struct{})
	e.sweepDone = make(chan struct{})
	stop, done := e.stopSweep, e.sweepDone
	e.mu.Unlock()

	if e.settings != nil {
		if v, ok := e.settings.Get(settings.KeyCaptionPosition); ok {
			if pos, err := ParsePosition(v); err == nil {
				e.surface.SetPosition(pos)
			}
		}
	}

	if e.cfg.Mode != ModeMulti {
		close(done)
		return
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.sweep(e.now())
			}
		}
	}()
}

// Close stops the sweep and clears the surface
func (e *Engine) Close() {
	e.mu.Lock()
	stop, done := e.stopSweep, e.sweepDone
	e.stopSweep, e.sweepDone = nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	e.Clear()
}

// Handle renders one backend event. Warnings are not captions.
func (e *Engine) Handle(ev stt.Event) {
	if ev.Kind != stt.EventTranscript {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Mode == ModeSingle {
		e.handleSingle(text, ev.IsFinal)
		return
	}
	e.handleMulti(text, ev.IsFinal)
}

func (e *Engine) handleSingle(text string, final bool) {
	now := e.now()
	if e.fade != nil {
		e.fade.Stop()
		e.fade = nil
	}
	e.fadeGen++

	if e.single == nil {
		e.nextID++
		e.single = &Line{ID: e.nextID, CreatedAt: now}
	}
	e.single.Text = text
	e.single.Partial = !final
	e.single.ExpiresAt = time.Time{}
	e.surface.ShowLine(text, StyleHint{LineID: e.single.ID, Partial: !final})

	if final {
		e.single.ExpiresAt = now.Add(e.cfg.FadeDelay)
		gen := e.fadeGen
		e.fade = time.AfterFunc(e.cfg.FadeDelay, func() { e.fadeOut(gen) })
	}
}

// fadeOut hides the single line unless a newer event superseded the timer
func (e *Engine) fadeOut(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.fadeGen || e.single == nil {
		return
	}
	e.single = nil
	e.fade = nil
	e.surface.HideAll()
}

func (e *Engine) handleMulti(text string, final bool) {
	now := e.now()

	if !final {
		if !e.cfg.CommitInterim {
			return
		}
		if e.partial == nil {
			e.partial = e.appendLine(now)
		}
		e.partial.Text = text
		e.partial.Partial = true
		e.partial.ExpiresAt = now.Add(e.cfg.LineLifetime)
		e.surface.ShowLine(text, StyleHint{LineID: e.partial.ID, Partial: true})
		return
	}

	line := e.partial
	e.partial = nil
	if line == nil {
		line = e.appendLine(now)
	}
	line.Text = text
	line.Partial = false
	line.ExpiresAt = now.Add(e.cfg.LineLifetime)
	e.surface.ShowLine(text, StyleHint{LineID: line.ID})
}

// appendLine adds an empty line and evicts the oldest lines over the cap
func (e *Engine) appendLine(now time.Time) *Line {
	e.nextID++
	line := &Line{ID: e.nextID, CreatedAt: now, ExpiresAt: now.Add(e.cfg.LineLifetime)}
	e.lines = append(e.lines, line)

	for len(e.lines) > e.cfg.MaxLines {
		oldest := e.lines[0]
		e.lines = e.lines[1:]
		if oldest == e.partial {
			e.partial = nil
		}
		e.surface.RemoveLine(oldest.ID)
		e.log.Debug().Uint64("line_id", oldest.ID).Msg("Evicted caption line over cap")
	}
	return line
}

// sweep expires lines whose lifetime has passed and removes lines whose
// exit animation has finished.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.lines[:0]
	for _, line := range e.lines {
		if now.Before(line.ExpiresAt) {
			kept = append(kept, line)
			continue
		}
		if line == e.partial {
			e.partial = nil
		}
		e.surface.ShowLine(line.Text, StyleHint{LineID: line.ID, Exiting: true})
		e.exiting = append(e.exiting, exitingLine{id: line.ID, removeAt: now.Add(e.cfg.ExitDelay)})
	}
	for i := len(kept); i < len(e.lines); i++ {
		e.lines[i] = nil
	}
	e.lines = kept

	pending := e.exiting[:0]
	for _, x := range e.exiting {
		if now.Before(x.removeAt) {
			pending = append(pending, x)
			continue
		}
		e.surface.RemoveLine(x.id)
	}
	e.exiting = pending
}

// SetPosition moves the overlay and persists the choice
func (e *Engine) SetPosition(pos Position) error {
	if _, err := ParsePosition(string(pos)); err != nil {
		return err
	}
	e.surface.SetPosition(pos)

	if e.settings == nil {
		return nil
	}
	if err := e.settings.Set(settings.KeyCaptionPosition, string(pos)); err != nil {
		e.log.Warn().Err(err).Str("position", string(pos)).Msg("Failed to persist caption position")
		return fmt.Errorf("persist caption position: %w", err)
	}
	return nil
}

// Clear cancels pending timers and empties the buffer without animation
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fade != nil {
		e.fade.Stop()
		e.fade = nil
	}
	e.fadeGen++
	e.single = nil
	e.partial = nil
	e.lines = nil
	e.exiting = nil
	e.surface.HideAll()
}

// Lines returns a copy of the visible lines, oldest first
func (e *Engine) Lines() []Line {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Mode == ModeSingle {
		if e.single == nil {
			return nil
		}
		return []Line{*e.single}
	}
	out := make([]Line, 0, len(e.lines))
	for _, l := range e.lines {
		out = append(out, *l)
	}
	return out
}
