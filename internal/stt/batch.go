package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

const defaultAssemblyAIBaseURL = "https://api.assemblyai.com"

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code,omitempty"`
}

type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, processing, completed, error
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// BatchBackend transcribes whole segments through the AssemblyAI REST API:
// upload, submit for transcription, then poll until the job settles.
type BatchBackend struct {
	opts     Options
	log      zerolog.Logger
	baseURL  string
	langCode string
	stream   *eventStream

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewBatchBackend creates an unopened batch backend
func NewBatchBackend(opts Options) *BatchBackend {
	opts = opts.withDefaults(KindBatch)
	baseURL := strings.TrimRight(opts.Endpoint, "/")
	if baseURL == "" {
		baseURL = defaultAssemblyAIBaseURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchBackend{
		opts:     opts,
		log:      *opts.Logger,
		baseURL:  baseURL,
		langCode: baseLanguage(opts.Language),
		stream:   newEventStream(16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *BatchBackend) Kind() Kind { return KindBatch }

func (b *BatchBackend) Strategy() Strategy { return StrategySegmented }

func (b *BatchBackend) Events() <-chan Event { return b.stream.events() }

func (b *BatchBackend) Err() error { return b.stream.terminal() }

// Open only checks that a credential is present; the service is stateless
// between segments.
func (b *BatchBackend) Open(ctx context.Context) error {
	if strings.TrimSpace(b.opts.Credential) == "" {
		return fmt.Errorf("%w: AssemblyAI API key is not set", ErrBackendUnavailable)
	}
	b.log.Info().Str("base_url", b.baseURL).Str("language_code", b.langCode).Msg("Batch backend ready")
	return nil
}

// Submit transcribes one segment and blocks until its job completes or
// fails. A completed job emits exactly one final event; a failed job emits a
// warning. The returned error is non-nil only when the request chain itself
// broke down.
func (b *BatchBackend) Submit(p audio.Payload) error {
	seg, ok := p.(audio.Segment)
	if !ok {
		return unsupportedPayload(KindBatch, p)
	}
	ctx := b.ctx
	if ctx.Err() != nil {
		return ErrTransportNotReady
	}

	start := time.Now()
	log := b.log.With().Int("segment", seg.Seq).Logger()

	var uploadURL string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		var err error
		uploadURL, err = b.upload(ctx, seg.WAV)
		return err
	}, b.opts.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return b.fail(log, "upload", err)
	}
	observability.RecordAudioBytes(string(KindBatch), len(seg.WAV))

	var id string
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = b.createTranscript(ctx, uploadURL)
		return err
	}, b.opts.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return b.fail(log, "submit", err)
	}

	result, err := b.poll(ctx, id)
	if err != nil {
		return b.fail(log, "poll", err)
	}
	observability.ObserveBackendLatency(string(KindBatch), time.Since(start))

	switch result.Status {
	case "completed":
		log.Debug().Str("transcript_id", id).Int("chars", len(result.Text)).Msg("Segment transcribed")
		if strings.TrimSpace(result.Text) != "" {
			b.stream.emit(Transcript(result.Text, true))
		}
	case "error":
		log.Warn().Str("transcript_id", id).Str("error", result.Error).Msg("Segment transcription failed")
		b.stream.emit(Warning("Transcription error: " + result.Error))
	}
	return nil
}

func (b *BatchBackend) fail(log zerolog.Logger, step string, err error) error {
	if b.ctx.Err() != nil {
		return ErrTransportNotReady
	}
	log.Warn().Err(err).Str("step", step).Msg("Segment transcription request failed")
	b.stream.emit(Warning("Transcription error: " + err.Error()))
	return fmt.Errorf("%s: %w", step, err)
}

// poll fetches the job every poll interval until it reaches a terminal
// status. Transient request failures are retried on the next tick.
func (b *BatchBackend) poll(ctx context.Context, id string) (*transcriptResponse, error) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var result transcriptResponse
		err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/v2/transcript/"+id, nil, "", &result)
		if err != nil {
			if resilience.IsRetryableNetworkError(err) {
				b.log.Debug().Err(err).Str("transcript_id", id).Msg("Poll failed, retrying")
				continue
			}
			return nil, err
		}

		switch result.Status {
		case "completed", "error":
			return &result, nil
		}
	}
}

func (b *BatchBackend) upload(ctx context.Context, wav []byte) (string, error) {
	var resp uploadResponse
	if err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/v2/upload", bytes.NewReader(wav), "application/octet-stream", &resp); err != nil {
		return "", err
	}
	if resp.UploadURL == "" {
		return "", fmt.Errorf("upload response missing upload_url")
	}
	return resp.UploadURL, nil
}

func (b *BatchBackend) createTranscript(ctx context.Context, uploadURL string) (string, error) {
	body, err := json.Marshal(transcriptRequest{AudioURL: uploadURL, LanguageCode: b.langCode})
	if err != nil {
		return "", err
	}
	var resp transcriptResponse
	if err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/v2/transcript", bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("transcript response missing id")
	}
	return resp.ID, nil
}

func (b *BatchBackend) doJSON(ctx context.Context, method, url string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("authorization", b.opts.Credential)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Close cancels any in-flight segment and ends the event stream
func (b *BatchBackend) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.stream.finish(nil)
		b.log.Info().Msg("Batch backend closed")
	})
	return nil
}

// baseLanguage reduces a BCP-47 tag to its base language code ("en-US" to
// "en"). Unparseable tags yield "" so the service detects the language.
func baseLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}
