package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// WhisperConfig configures a WhisperRecognizer
type WhisperConfig struct {
	ServerURL       string
	HTTPClient      *http.Client
	VAD             *audio.VADConfig
	NoSpeechTimeout time.Duration // silence before a run reports ErrNoSpeech
	MaxRun          time.Duration // run length after which the engine ends the session
	InterimEvery    time.Duration // speech between interim hypotheses
	MaxUtterance    time.Duration // forced final for very long utterances
}

// WhisperRecognizer segments the incoming audio into utterances with an
// energy VAD and transcribes each one on a whisper.cpp server. Interim
// hypotheses are produced by re-transcribing the utterance so far.
type WhisperRecognizer struct {
	cfg WhisperConfig
}

// NewWhisperRecognizer creates a recognizer for a whisper.cpp server
func NewWhisperRecognizer(cfg WhisperConfig) *WhisperRecognizer {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.VAD == nil {
		cfg.VAD = audio.DefaultVADConfig()
	}
	if cfg.NoSpeechTimeout <= 0 {
		cfg.NoSpeechTimeout = 8 * time.Second
	}
	if cfg.MaxRun <= 0 {
		cfg.MaxRun = time.Minute
	}
	if cfg.InterimEvery <= 0 {
		cfg.InterimEvery = 2 * time.Second
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	return &WhisperRecognizer{cfg: cfg}
}

// Probe checks that the server answers at all
func (w *WhisperRecognizer) Probe(ctx context.Context) error {
	ok, err := observability.HTTPCheck(w.cfg.HTTPClient, w.cfg.ServerURL+"/")(ctx)
	if err != nil {
		return fmt.Errorf("whisper server unreachable: %w", err)
	}
	if !ok {
		return fmt.Errorf("whisper server unhealthy")
	}
	return nil
}

// Run implements Recognizer
func (w *WhisperRecognizer) Run(ctx context.Context, opts RecognitionOptions, frames <-chan []float32, results chan<- Result) error {
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	interimSamples := int(w.cfg.InterimEvery.Seconds() * float64(sampleRate))
	maxSamples := int(w.cfg.MaxUtterance.Seconds() * float64(sampleRate))

	vad := audio.NewVADDetector(w.cfg.VAD)
	var (
		utterance    []int16
		sinceInterim int
		gotFrames    bool
		runEnd       = time.NewTimer(w.cfg.MaxRun)
		idle         = time.NewTimer(w.cfg.NoSpeechTimeout)
	)
	defer runEnd.Stop()
	defer idle.Stop()

	send := func(text string, final bool) bool {
		select {
		case results <- Result{Text: text, IsFinal: final}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finalize := func() error {
		if len(utterance) == 0 {
			return nil
		}
		text, err := w.transcribe(ctx, utterance, sampleRate, opts.Language)
		utterance, sinceInterim = nil, 0
		if err != nil {
			return err
		}
		if text != "" {
			send(text, true)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-runEnd.C:
			// engine ends its own session; the supervisor restarts it
			return finalize()

		case <-idle.C:
			if vad.IsSpeaking() {
				idle.Reset(w.cfg.NoSpeechTimeout)
				continue
			}
			if err := finalize(); err != nil {
				return err
			}
			if !gotFrames {
				return ErrAudioCapture
			}
			return ErrNoSpeech

		case samples := <-frames:
			gotFrames = true
			pcm := audio.Float32ToInt16(samples)
			heard, ended := false, false
			for _, st := range vad.Process(pcm) {
				heard = heard || st.Speaking || st.SpeechStarted
				ended = ended || st.SpeechEnded
			}

			if heard || ended || vad.IsSpeaking() {
				utterance = append(utterance, pcm...)
				sinceInterim += len(pcm)
			}
			if heard {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(w.cfg.NoSpeechTimeout)
			}

			switch {
			case ended || len(utterance) >= maxSamples:
				if err := finalize(); err != nil {
					return err
				}
			case opts.InterimResults && sinceInterim >= interimSamples:
				sinceInterim = 0
				text, err := w.transcribe(ctx, utterance, sampleRate, opts.Language)
				if err != nil {
					return err
				}
				if text != "" && !send(text, false) {
					return ctx.Err()
				}
			}
		}
	}
}

// transcribe posts one utterance to /inference as a multipart WAV upload
func (w *WhisperRecognizer) transcribe(ctx context.Context, pcm []int16, sampleRate int, lang string) (string, error) {
	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", baseLanguage(lang)); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.ServerURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()
	observability.ObserveBackendLatency(string(KindLocal), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: %w", &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
