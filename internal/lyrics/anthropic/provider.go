// Package anthropic implements the lyrics provider against the Anthropic
// messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/melodia-app/melodia/internal/config"
	"github.com/melodia-app/melodia/pkg/models"
)

const (
	baseURL      = "https://api.anthropic.com"
	apiVersion   = "2023-06-01"
	maxTokens    = 2048
	systemPrompt = "You are a songwriter. Write complete song lyrics with sections marked in brackets, like [Verse 1], [Chorus], [Bridge]. Respond with the lyrics only, no commentary."
)

// Provider implements models.LyricsProvider using Anthropic.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Compose(ctx context.Context, req models.LyricsRequest) (models.LyricsResult, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []message{
			{Role: "user", Content: fmt.Sprintf("Write %s song lyrics about: %s", req.Style, req.Text)},
		},
	})
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.LyricsResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.LyricsResult{}, fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.LyricsResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Content) == 0 {
		return models.LyricsResult{}, fmt.Errorf("anthropic returned no content")
	}

	return models.LyricsResult{
		Lyrics: strings.TrimSpace(out.Content[0].Text),
		Model:  out.Model,
	}, nil
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

var _ models.LyricsProvider = (*Provider)(nil)
