package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// fakeAssemblyAI serves the upload, transcript and poll endpoints
type fakeAssemblyAI struct {
	server     *httptest.Server
	polls      atomic.Int32
	uploads    atomic.Int32
	pollsUntil int32
	final      transcriptResponse
	lastReq    atomic.Value // transcriptRequest
}

func newFakeAssemblyAI(t *testing.T, pollsUntil int32, final transcriptResponse) *fakeAssemblyAI {
	f := &fakeAssemblyAI{pollsUntil: pollsUntil, final: final}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if _, err := audio.ReadWAVHeader(body); err != nil {
			t.Errorf("Upload body is not a WAV file: %v", err)
		}
		f.uploads.Add(1)
		json.NewEncoder(w).Encode(uploadResponse{UploadURL: "https://cdn.example/audio-1"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var req transcriptRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.lastReq.Store(req)
		json.NewEncoder(w).Encode(transcriptResponse{ID: "tx-1", Status: "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		if n < f.pollsUntil {
			json.NewEncoder(w).Encode(transcriptResponse{ID: r.PathValue("id"), Status: "processing"})
			return
		}
		json.NewEncoder(w).Encode(f.final)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func testSegment(t *testing.T) audio.Segment {
	t.Helper()
	seg, err := audio.NewSegment(make([]int16, 1600), 16000, 1)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	return seg
}

func newTestBatch(endpoint, credential string) *BatchBackend {
	return NewBatchBackend(Options{
		Endpoint:     endpoint,
		Credential:   credential,
		Language:     "en-US",
		PollInterval: 10 * time.Millisecond,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	})
}

func TestBatchBackend_CompletedAfterTwoPolls(t *testing.T) {
	fake := newFakeAssemblyAI(t, 2, transcriptResponse{ID: "tx-1", Status: "completed", Text: "test"})

	b := newTestBatch(fake.server.URL, "test-key")
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := b.Submit(testSegment(t)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ev := nextEvent(t, b.Events())
	if ev.Kind != EventTranscript || ev.Text != "test" || !ev.IsFinal {
		t.Errorf("Expected one final 'test', got %+v", ev)
	}
	if fake.polls.Load() != 2 {
		t.Errorf("Expected 2 polls, got %d", fake.polls.Load())
	}

	b.Close()
	count := 0
	for range b.Events() {
		count++
	}
	if count != 0 {
		t.Errorf("Expected no duplicate events, got %d more", count)
	}

	req := fake.lastReq.Load().(transcriptRequest)
	if req.AudioURL != "https://cdn.example/audio-1" {
		t.Errorf("Expected audio_url from upload, got %q", req.AudioURL)
	}
	if req.LanguageCode != "en" {
		t.Errorf("Expected language_code 'en', got %q", req.LanguageCode)
	}
}

func TestBatchBackend_ErrorStatusIsWarning(t *testing.T) {
	fake := newFakeAssemblyAI(t, 1, transcriptResponse{ID: "tx-1", Status: "error", Error: "audio too short"})

	b := newTestBatch(fake.server.URL, "test-key")
	defer b.Close()
	b.Open(context.Background())

	if err := b.Submit(testSegment(t)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ev := nextEvent(t, b.Events())
	if ev.Kind != EventWarning {
		t.Fatalf("Expected a warning, got %+v", ev)
	}
	if ev.Text != "Transcription error: audio too short" {
		t.Errorf("Unexpected warning text %q", ev.Text)
	}
}

func TestBatchBackend_EmptyTextEmitsNothing(t *testing.T) {
	fake := newFakeAssemblyAI(t, 1, transcriptResponse{ID: "tx-1", Status: "completed", Text: ""})

	b := newTestBatch(fake.server.URL, "test-key")
	b.Open(context.Background())

	if err := b.Submit(testSegment(t)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.Close()

	for ev := range b.Events() {
		t.Errorf("Expected no events, got %+v", ev)
	}
}

func TestBatchBackend_MissingCredential(t *testing.T) {
	b := newTestBatch("http://127.0.0.1:1", "")

	err := b.Open(context.Background())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

func TestBatchBackend_UploadRejected(t *testing.T) {
	fake := newFakeAssemblyAI(t, 1, transcriptResponse{Status: "completed", Text: "x"})

	b := newTestBatch(fake.server.URL, "wrong-key")
	defer b.Close()
	b.Open(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Submit(testSegment(t)) }()

	ev := nextEvent(t, b.Events())
	if ev.Kind != EventWarning {
		t.Errorf("Expected a warning for the failed upload, got %+v", ev)
	}

	var statusErr *resilience.HTTPStatusError
	if err := <-done; !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 status error, got %v", err)
	}
	if fake.uploads.Load() != 0 {
		t.Errorf("Expected no accepted uploads, got %d", fake.uploads.Load())
	}
}

func TestBatchBackend_CloseCancelsPolling(t *testing.T) {
	fake := newFakeAssemblyAI(t, 1<<30, transcriptResponse{})

	b := newTestBatch(fake.server.URL, "test-key")
	b.Open(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Submit(testSegment(t)) }()

	time.Sleep(50 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransportNotReady) {
			t.Errorf("Expected ErrTransportNotReady after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Close")
	}
}

func TestBaseLanguage(t *testing.T) {
	tests := map[string]string{
		"en-US":   "en",
		"es":      "es",
		"pt-BR":   "pt",
		"":        "",
		"!!bogus": "",
	}
	for in, want := range tests {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q): expected %q, got %q", in, want, got)
		}
	}
}
