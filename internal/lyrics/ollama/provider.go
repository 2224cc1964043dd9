// Package ollama implements the lyrics provider against a local Ollama server.
package ollama

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

const systemPrompt = "You are a songwriter. Write complete song lyrics with sections marked in brackets, like [Verse 1], [Chorus], [Bridge]. Respond with the lyrics only, no commentary."

// Provider implements models.LyricsProvider using Ollama's generate API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Compose(ctx context.Context, req models.LyricsRequest) (models.LyricsResult, error) {
	body, err := json.Marshal(generateRequest{
		Model:  p.cfg.Model,
		Prompt: fmt.Sprintf("Write %s song lyrics about: %s", req.Style, req.Text),
		System: systemPrompt,
		Stream: false,
	})
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return models.LyricsResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.LyricsResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.LyricsResult{}, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.LyricsResult{}, fmt.Errorf("decoding response: %w", err)
	}

	return models.LyricsResult{
		Lyrics: strings.TrimSpace(out.Response),
		Model:  p.cfg.Model,
	}, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

var _ models.LyricsProvider = (*Provider)(nil)
