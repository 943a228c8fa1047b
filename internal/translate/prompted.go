package translate

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/text/language"
)

// Prompted asks a chat model to translate each transcript
type Prompted struct {
	apiKey string
	model  string
	client oai.Client
	prompt string
}

// NewPrompted creates a chat-model translator. baseURL may point at any
// OpenAI-compatible server; empty uses the default.
func NewPrompted(apiKey, model, baseURL string, httpClient *http.Client) *Prompted {
	if model == "" {
		model = "gpt-4o-mini"
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &Prompted{
		apiKey: apiKey,
		model:  model,
		client: oai.NewClient(reqOpts...),
	}
}

func (p *Prompted) Name() string { return "prompted" }

// Init confirms the model exists and fixes the system prompt for target
func (p *Prompted) Init(ctx context.Context, _, target language.Tag) error {
	if p.apiKey == "" {
		return fmt.Errorf("%w: no API key", errModelUnavailable)
	}
	if _, err := p.client.Models.Get(ctx, p.model); err != nil {
		return fmt.Errorf("%w: %v", errModelUnavailable, err)
	}
	p.prompt = fmt.Sprintf("You are a translator. Translate the following text to %s. Only output the translation, nothing else.", displayName(target))
	return nil
}

// Translate runs one chat completion
func (p *Prompted) Translate(ctx context.Context, text string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(p.prompt),
			oai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
