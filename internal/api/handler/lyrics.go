package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/melodia-app/melodia/internal/api/response"
	"github.com/melodia-app/melodia/internal/lyrics"
	"github.com/melodia-app/melodia/pkg/models"
)

// maxPromptLen bounds the free-form text a lyrics prompt may carry.
const maxPromptLen = 2000

// LyricsGenerator defines the lyrics service surface the handler depends on.
type LyricsGenerator interface {
	Generate(ctx context.Context, params lyrics.GenerateParams) (*lyrics.GenerateResult, error)
}

// NewGenerateLyricsHandler returns an http.HandlerFunc for POST /api/v1/lyrics.
func NewGenerateLyricsHandler(svc LyricsGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text  string `json:"text"`
			Style string `json:"style"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if strings.TrimSpace(req.Text) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "text is required", nil)
			return
		}
		if len(req.Text) > maxPromptLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "text is too long", nil)
			return
		}

		style := models.Style(req.Style)
		if !style.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"style must be one of pop, rock, ballad, hiphop, electronic, acoustic, jazz", nil)
			return
		}

		result, err := svc.Generate(r.Context(), lyrics.GenerateParams{
			Text:  req.Text,
			Style: style,
		})
		if err != nil {
			switch {
			case errors.Is(err, lyrics.ErrInferenceTimeout):
				response.Error(w, http.StatusGatewayTimeout, "LYRICS_TIMEOUT",
					"Lyrics generation timed out", nil)
			case errors.Is(err, lyrics.ErrProviderUnavailable), errors.Is(err, lyrics.ErrEmptyLyrics):
				response.Error(w, http.StatusBadGateway, "LYRICS_PROVIDER_UNAVAILABLE",
					"The lyrics provider is not available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, result)
	}
}
