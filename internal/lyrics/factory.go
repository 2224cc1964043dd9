package lyrics

import (
	"fmt"

	"github.com/melodia-app/melodia/internal/config"
	"github.com/melodia-app/melodia/internal/lyrics/anthropic"
	"github.com/melodia-app/melodia/internal/lyrics/ollama"
	"github.com/melodia-app/melodia/internal/lyrics/openai"
	"github.com/melodia-app/melodia/internal/lyrics/vllm"
	"github.com/melodia-app/melodia/pkg/models"
)

// NewProvider constructs the appropriate lyrics provider based on config.
// Called once at server startup.
func NewProvider(cfg config.LyricsConfig) (models.LyricsProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unknown lyrics provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}
