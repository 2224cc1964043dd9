// Package lyrics turns a user's free text into song lyrics through a
// configured LLM provider, with a Redis content-hash cache in front so
// identical requests cost one inference.
package lyrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/melodia-app/melodia/internal/cache"
	"github.com/melodia-app/melodia/pkg/models"
)

// GenerateParams holds validated parameters for a lyrics request.
type GenerateParams struct {
	Text  string
	Style models.Style
}

// GenerateResult is the output of a lyrics operation.
type GenerateResult struct {
	Lyrics   string       `json:"lyrics"`
	Style    models.Style `json:"style"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Cached   bool         `json:"cached"`
}

// Service orchestrates lyric generation and caching.
type Service struct {
	provider models.LyricsProvider
	cache    cache.Cache
	timeout  time.Duration
	cacheTTL time.Duration
}

// NewService creates a new lyrics Service.
func NewService(provider models.LyricsProvider, ca cache.Cache, timeout, cacheTTL time.Duration) *Service {
	return &Service{
		provider: provider,
		cache:    ca,
		timeout:  timeout,
		cacheTTL: cacheTTL,
	}
}

// Generate returns lyrics for the given text and style, serving identical
// requests from the cache. Cache failures are logged and ignored; the
// provider is the source of truth.
func (s *Service) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	hash := contentHash(params.Text, params.Style)

	if payload, ok, err := s.cache.GetLyrics(ctx, hash); err != nil {
		slog.Warn("lyrics cache read failed", "error", err)
	} else if ok {
		var cached GenerateResult
		if err := json.Unmarshal(payload, &cached); err == nil {
			cached.Cached = true
			return &cached, nil
		}
		slog.Warn("discarding undecodable lyrics cache entry", "hash", hash)
	}

	composeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.provider.Compose(composeCtx, models.LyricsRequest{
		Text:  params.Text,
		Style: params.Style,
	})
	if err != nil {
		return nil, classifyComposeError(composeCtx, err)
	}

	if strings.TrimSpace(result.Lyrics) == "" {
		return nil, ErrEmptyLyrics
	}

	out := &GenerateResult{
		Lyrics:   result.Lyrics,
		Style:    params.Style,
		Provider: s.provider.Name(),
		Model:    result.Model,
	}

	if payload, err := json.Marshal(out); err == nil {
		if err := s.cache.SetLyrics(ctx, hash, payload, s.cacheTTL); err != nil {
			slog.Warn("lyrics cache write failed", "error", err)
		}
	}

	return out, nil
}

// classifyComposeError maps provider failures onto the package sentinels so
// handlers can translate them without knowing which provider ran.
func classifyComposeError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// contentHash fingerprints a request. Same text and style, same hash.
func contentHash(text string, style models.Style) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(style))
	return hex.EncodeToString(h.Sum(nil))
}
