package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// scriptedRecognizer plays one step per run, then idles until cancelled
type scriptedRecognizer struct {
	mu    sync.Mutex
	runs  int
	steps []func(ctx context.Context, results chan<- Result) error
	opts  RecognitionOptions
	seen  chan []float32
}

func (r *scriptedRecognizer) Run(ctx context.Context, opts RecognitionOptions, frames <-chan []float32, results chan<- Result) error {
	r.mu.Lock()
	r.opts = opts
	run := r.runs
	r.runs++
	r.mu.Unlock()

	if run < len(r.steps) {
		return r.steps[run](ctx, results)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if r.seen != nil {
				r.seen <- f
			}
		}
	}
}

func (r *scriptedRecognizer) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func emitAll(results ...Result) func(ctx context.Context, out chan<- Result) error {
	return func(ctx context.Context, out chan<- Result) error {
		for _, r := range results {
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func failWith(err error) func(ctx context.Context, out chan<- Result) error {
	return func(ctx context.Context, out chan<- Result) error { return err }
}

func newTestEngine(rec Recognizer) *LocalEngine {
	return NewLocalEngine(Options{
		Language:   "en-US",
		Recognizer: rec,
		Restart: &resilience.SuperviseConfig{
			Backoff:    time.Millisecond,
			Multiplier: 1,
			MaxBackoff: time.Millisecond,
		},
	})
}

func TestLocalEngine_InterimThenFinalInOrder(t *testing.T) {
	rec := &scriptedRecognizer{steps: []func(context.Context, chan<- Result) error{
		emitAll(
			Result{Text: "hel"},
			Result{Text: "hello"},
			Result{Text: "hello world", IsFinal: true},
		),
	}}

	e := newTestEngine(rec)
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	want := []Event{
		{Text: "hel", IsFinal: false},
		{Text: "hello", IsFinal: false},
		{Text: "hello world", IsFinal: true},
	}
	for i, w := range want {
		ev := nextEvent(t, e.Events())
		if ev.Kind != EventTranscript || ev.Text != w.Text || ev.IsFinal != w.IsFinal {
			t.Errorf("Event %d: expected %q final=%v, got %+v", i, w.Text, w.IsFinal, ev)
		}
	}

	rec.mu.Lock()
	opts := rec.opts
	rec.mu.Unlock()
	if !opts.Continuous || !opts.InterimResults {
		t.Errorf("Expected continuous interim recognition, got %+v", opts)
	}
}

func TestLocalEngine_RestartPolicy(t *testing.T) {
	rec := &scriptedRecognizer{steps: []func(context.Context, chan<- Result) error{
		failWith(ErrNoSpeech),
		failWith(ErrAudioCapture),
		failWith(nil), // engine ended its own session
		emitAll(Result{Text: "recovered", IsFinal: true}),
	}}

	e := newTestEngine(rec)
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	first := nextEvent(t, e.Events())
	if first.Kind != EventWarning || first.Text != "Audio capture failed. Try refreshing the page." {
		t.Errorf("Expected audio capture warning first (no-speech stays silent), got %+v", first)
	}

	second := nextEvent(t, e.Events())
	if second.Kind != EventTranscript || second.Text != "recovered" {
		t.Errorf("Expected recognition to recover, got %+v", second)
	}

	if rec.runCount() < 4 {
		t.Errorf("Expected at least 4 runs, got %d", rec.runCount())
	}
}

func TestLocalEngine_OtherErrorsWarn(t *testing.T) {
	rec := &scriptedRecognizer{steps: []func(context.Context, chan<- Result) error{
		failWith(errors.New("model crashed")),
	}}

	e := newTestEngine(rec)
	e.Open(context.Background())
	defer e.Close()

	ev := nextEvent(t, e.Events())
	if ev.Kind != EventWarning || ev.Text != "Speech recognition error: model crashed" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestLocalEngine_SubmitFrames(t *testing.T) {
	rec := &scriptedRecognizer{seen: make(chan []float32, 1)}
	e := newTestEngine(rec)

	if err := e.Submit(audio.Frame{Samples: []float32{0.1}}); !errors.Is(err, ErrTransportNotReady) {
		t.Errorf("Expected ErrTransportNotReady before open, got %v", err)
	}

	e.Open(context.Background())
	if err := e.Submit(audio.Frame{Samples: []float32{0.1, 0.2}, SampleRate: 16000}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case f := <-rec.seen:
		if len(f) != 2 {
			t.Errorf("Expected 2 samples, got %d", len(f))
		}
	case <-time.After(time.Second):
		t.Fatal("Recognizer never received the frame")
	}

	if err := e.Submit(audio.NewChunk(nil, 16000)); err == nil {
		t.Error("Expected chunks to be rejected")
	}

	e.Close()
	waitClosed(t, e.Events())
	if e.Err() != nil {
		t.Errorf("Expected nil Err after close, got %v", e.Err())
	}
}

func TestLocalEngine_NoRecognizer(t *testing.T) {
	e := newTestEngine(nil)
	if err := e.Open(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
	e.Close()
}
