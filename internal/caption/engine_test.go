package caption

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/stt"
)

type surfaceCall struct {
	op   string
	text string
	hint StyleHint
	id   uint64
	pos  Position
}

type fakeSurface struct {
	mu    sync.Mutex
	calls []surfaceCall
}

func (s *fakeSurface) ShowLine(text string, hint StyleHint) {
	s.record(surfaceCall{op: "show", text: text, hint: hint, id: hint.LineID})
}
func (s *fakeSurface) RemoveLine(id uint64)     { s.record(surfaceCall{op: "remove", id: id}) }
func (s *fakeSurface) HideAll()                 { s.record(surfaceCall{op: "hide"}) }
func (s *fakeSurface) SetPosition(pos Position) { s.record(surfaceCall{op: "position", pos: pos}) }

func (s *fakeSurface) record(c surfaceCall) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *fakeSurface) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (s *fakeSurface) last() surfaceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return surfaceCall{}
	}
	return s.calls[len(s.calls)-1]
}

type memSettings struct {
	values map[string]string
	err    error
}

func (m *memSettings) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *memSettings) Set(key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMultiEngine(cfg Config) (*Engine, *fakeSurface, *testClock) {
	surface := &fakeSurface{}
	clock := &testClock{t: time.Unix(1700000000, 0)}
	e := NewEngine(cfg, surface, nil)
	e.now = clock.now
	return e, surface, clock
}

func TestMulti_CapEvictsOldest(t *testing.T) {
	e, surface, _ := newMultiEngine(DefaultConfig())

	for i := 1; i <= 6; i++ {
		e.Handle(stt.Transcript(fmt.Sprintf("line %d", i), true))
	}

	lines := e.Lines()
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d", len(lines))
	}
	if lines[0].Text != "line 2" {
		t.Errorf("Expected oldest remaining line 'line 2', got '%s'", lines[0].Text)
	}
	if surface.count("remove") != 1 {
		t.Errorf("Expected one immediate removal, got %d", surface.count("remove"))
	}
}

func TestMulti_IgnoresInterimAndBlank(t *testing.T) {
	e, _, _ := newMultiEngine(DefaultConfig())

	e.Handle(stt.Transcript("hel", false))
	e.Handle(stt.Transcript("   ", true))
	e.Handle(stt.Warning("Transcription error: boom"))

	if n := len(e.Lines()); n != 0 {
		t.Errorf("Expected no lines, got %d", n)
	}
}

func TestMulti_SweepRespectsLifetime(t *testing.T) {
	e, surface, clock := newMultiEngine(DefaultConfig())

	e.Handle(stt.Transcript("hello", true))
	inserted := clock.now()

	e.sweep(inserted.Add(4999 * time.Millisecond))
	if len(e.Lines()) != 1 {
		t.Fatal("Expected line to survive before its lifetime")
	}

	e.sweep(inserted.Add(5000 * time.Millisecond))
	if len(e.Lines()) != 0 {
		t.Fatal("Expected line to leave the buffer at its lifetime")
	}
	if last := surface.last(); last.op != "show" || !last.hint.Exiting {
		t.Errorf("Expected exit animation, got %+v", last)
	}
	if surface.count("remove") != 0 {
		t.Error("Expected removal to wait for the exit delay")
	}

	e.sweep(inserted.Add(5299 * time.Millisecond))
	if surface.count("remove") != 0 {
		t.Error("Expected removal to wait for the exit delay")
	}
	e.sweep(inserted.Add(5300 * time.Millisecond))
	if surface.count("remove") != 1 {
		t.Errorf("Expected removal after exit delay, got %d", surface.count("remove"))
	}
}

func TestMulti_SweepKeepsNewerLines(t *testing.T) {
	e, _, clock := newMultiEngine(DefaultConfig())

	e.Handle(stt.Transcript("first", true))
	clock.advance(2 * time.Second)
	e.Handle(stt.Transcript("second", true))
	clock.advance(3 * time.Second)

	e.sweep(clock.now())
	lines := e.Lines()
	if len(lines) != 1 || lines[0].Text != "second" {
		t.Errorf("Expected only 'second' to remain, got %+v", lines)
	}
}

func TestMulti_CommitInterim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommitInterim = true
	e, surface, _ := newMultiEngine(cfg)

	e.Handle(stt.Transcript("hel", false))
	e.Handle(stt.Transcript("hello", false))
	lines := e.Lines()
	if len(lines) != 1 || !lines[0].Partial || lines[0].Text != "hello" {
		t.Fatalf("Expected one partial line 'hello', got %+v", lines)
	}

	e.Handle(stt.Transcript("hello world", true))
	lines = e.Lines()
	if len(lines) != 1 || lines[0].Partial || lines[0].Text != "hello world" {
		t.Fatalf("Expected the partial line to be committed, got %+v", lines)
	}
	if last := surface.last(); last.hint.LineID != lines[0].ID || last.hint.Partial {
		t.Errorf("Expected final render on the same line, got %+v", last)
	}

	e.Handle(stt.Transcript("next", false))
	if len(e.Lines()) != 2 {
		t.Errorf("Expected a new partial line after commit, got %d lines", len(e.Lines()))
	}
}

func TestSingle_FadeResetOnNewEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSingle
	cfg.FadeDelay = 200 * time.Millisecond
	surface := &fakeSurface{}
	e := NewEngine(cfg, surface, nil)

	e.Handle(stt.Transcript("hello", true))
	time.Sleep(120 * time.Millisecond)
	e.Handle(stt.Transcript("hello again", false))
	time.Sleep(150 * time.Millisecond)

	if surface.count("hide") != 0 {
		t.Fatal("Expected a newer event to cancel the fade")
	}
	if lines := e.Lines(); len(lines) != 1 || lines[0].Text != "hello again" {
		t.Fatalf("Expected single line 'hello again', got %+v", lines)
	}

	e.Handle(stt.Transcript("hello again, world", true))
	deadline := time.Now().Add(2 * time.Second)
	for surface.count("hide") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if surface.count("hide") != 1 {
		t.Fatal("Expected the final line to fade")
	}
	if len(e.Lines()) != 0 {
		t.Error("Expected no line after fade")
	}
}

func TestSingle_OverwritesSameLine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSingle
	surface := &fakeSurface{}
	e := NewEngine(cfg, surface, nil)
	defer e.Clear()

	e.Handle(stt.Transcript("one", false))
	first := surface.last().hint.LineID
	e.Handle(stt.Transcript("two", true))

	if got := surface.last(); got.hint.LineID != first || got.text != "two" {
		t.Errorf("Expected overwrite of line %d, got %+v", first, got)
	}
}

func TestClear_CancelsFade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSingle
	cfg.FadeDelay = 50 * time.Millisecond
	surface := &fakeSurface{}
	e := NewEngine(cfg, surface, nil)

	e.Handle(stt.Transcript("bye", true))
	e.Clear()
	time.Sleep(150 * time.Millisecond)

	if surface.count("hide") != 1 {
		t.Errorf("Expected only the clear to hide, got %d hides", surface.count("hide"))
	}
}

func TestClear_EmptiesWithoutAnimation(t *testing.T) {
	e, surface, _ := newMultiEngine(DefaultConfig())

	e.Handle(stt.Transcript("a", true))
	e.Handle(stt.Transcript("b", true))
	e.Clear()

	if len(e.Lines()) != 0 {
		t.Error("Expected empty buffer after clear")
	}
	if last := surface.last(); last.op != "hide" {
		t.Errorf("Expected hide, got %+v", last)
	}
}

func TestSetPosition_Persists(t *testing.T) {
	surface := &fakeSurface{}
	store := &memSettings{values: map[string]string{}}
	e := NewEngine(DefaultConfig(), surface, store)

	if err := e.SetPosition(PositionTop); err != nil {
		t.Fatalf("SetPosition failed: %v", err)
	}
	if store.values["captionPosition"] != "top" {
		t.Errorf("Expected persisted 'top', got '%s'", store.values["captionPosition"])
	}
	if last := surface.last(); last.op != "position" || last.pos != PositionTop {
		t.Errorf("Expected surface position update, got %+v", last)
	}

	if err := e.SetPosition("sideways"); err == nil {
		t.Error("Expected invalid position to fail")
	}

	store.err = errors.New("disk full")
	if err := e.SetPosition(PositionBottom); err == nil {
		t.Error("Expected persistence failure to be reported")
	}
	if last := surface.last(); last.pos != PositionBottom {
		t.Error("Expected the surface to move even when persistence fails")
	}
}

func TestStart_RestoresPositionAndSweeps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LineLifetime = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.ExitDelay = 10 * time.Millisecond
	surface := &fakeSurface{}
	store := &memSettings{values: map[string]string{"captionPosition": "top"}}
	e := NewEngine(cfg, surface, store)

	e.Start()
	e.Start()
	defer e.Close()

	if surface.count("position") != 1 {
		t.Errorf("Expected stored position to be restored once, got %d", surface.count("position"))
	}

	e.Handle(stt.Transcript("short lived", true))
	deadline := time.Now().Add(2 * time.Second)
	for surface.count("remove") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if surface.count("remove") != 1 {
		t.Error("Expected the sweep to remove the expired line")
	}
}

func TestParsePosition(t *testing.T) {
	if p, err := ParsePosition(" Bottom "); err != nil || p != PositionBottom {
		t.Errorf("Expected bottom, got %q (%v)", p, err)
	}
	if _, err := ParsePosition("middle"); err == nil {
		t.Error("Expected error for 'middle'")
	}
}
