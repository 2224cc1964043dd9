// Package openai implements the lyrics provider against the OpenAI chat API.
package openai

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
	baseURL      = "https://api.openai.com"
	systemPrompt = "You are a songwriter. Write complete song lyrics with sections marked in brackets, like [Verse 1], [Chorus], [Bridge]. Respond with the lyrics only, no commentary."
)

// Provider implements models.LyricsProvider using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Compose(ctx context.Context, req models.LyricsRequest) (models.LyricsResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Write %s song lyrics about: %s", req.Style, req.Text)},
		},
	})
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.LyricsResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.LyricsResult{}, fmt.Errorf("openai returned status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.LyricsResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return models.LyricsResult{}, fmt.Errorf("openai returned no choices")
	}

	return models.LyricsResult{
		Lyrics: strings.TrimSpace(out.Choices[0].Message.Content),
		Model:  out.Model,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

var _ models.LyricsProvider = (*Provider)(nil)
