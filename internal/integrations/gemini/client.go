package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"zulip-draft-agent/internal/integrations/paramstore"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client generates text with the Gemini API. The API token and model name
// are fetched from SSM on first use; a failed load is retried on the next
// call.
type Client struct {
	getter      Getter
	paramPrefix string

	mu     sync.Mutex
	loaded bool
	model  string
	api    *genai.Client
}

// NewClient creates a new Client backed by the given paramstore Getter.
func NewClient(ps Getter, paramPrefix string) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix, err := paramstore.NormalizePrefix(paramPrefix)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Client{getter: ps, paramPrefix: paramPrefix}, nil
}

func (c *Client) ensureClient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/gemini-token")
	if err != nil {
		return fmt.Errorf("gemini: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return fmt.Errorf("gemini: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return errors.New("gemini: API token is empty")
	}
	model, err := c.getter.GetParameter(ctx, c.paramPrefix+"/config/gemini_model")
	if err != nil {
		return fmt.Errorf("gemini: load model name: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("gemini: model name is empty")
	}

	api, err := newGenaiClient(ctx, tp.Token)
	if err != nil {
		return fmt.Errorf("gemini: create client: %w", err)
	}

	c.api = api
	c.model = model
	c.loaded = true
	return nil
}

// Generate runs one prompt through the configured model and returns the
// trimmed response text. An empty model response is an error, never empty
// content.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("gemini: prompt must not be empty")
	}
	if err := c.ensureClient(ctx); err != nil {
		return "", err
	}

	result, err := c.api.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return extractText(result)
}

func extractText(res *genai.GenerateContentResponse) (string, error) {
	if res == nil || len(res.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	content := res.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return "", errors.New("gemini: empty candidate content")
	}
	text := strings.TrimSpace(content.Parts[0].Text)
	if text == "" {
		return "", errors.New("gemini: empty response text")
	}
	return text, nil
}

var newGenaiClient = func(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
}
