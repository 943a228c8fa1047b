package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// Native talks to a local LibreTranslate-compatible service running next to
// the gateway, so text never leaves the machine.
type Native struct {
	baseURL string
	client  *http.Client
	source  string
	target  string
}

type supportedLanguage struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// NewNative creates a translator for the service at baseURL
func NewNative(baseURL string, client *http.Client) *Native {
	return &Native{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (n *Native) Name() string { return "native" }

// Init checks the service's language list for the target
func (n *Native) Init(ctx context.Context, source, target language.Tag) error {
	if n.baseURL == "" {
		return fmt.Errorf("%w: no translation service configured", ErrUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/languages", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %v", ErrUnavailable, &resilience.HTTPStatusError{StatusCode: resp.StatusCode})
	}

	var langs []supportedLanguage
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		return fmt.Errorf("%w: failed to decode language list: %v", ErrUnavailable, err)
	}

	targetBase, _ := target.Base()
	n.target = targetBase.String()
	n.source = "auto"
	if source != language.Und {
		sourceBase, _ := source.Base()
		n.source = sourceBase.String()
	}

	for _, l := range langs {
		if l.Code == n.target {
			return nil
		}
	}
	return errTargetUnsupported
}

// Translate sends one text to /translate
func (n *Native) Translate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(translateRequest{Q: text, Source: n.source, Target: n.target, Format: "text"})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.TranslatedText, nil
}
