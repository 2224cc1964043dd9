package models

import "context"

// LyricsProvider is the interface all LLM integrations implement.
// Never call a specific provider directly — always inject this interface.
type LyricsProvider interface {
	// Compose writes song lyrics for the given prompt text and style.
	Compose(ctx context.Context, req LyricsRequest) (LyricsResult, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// LyricsRequest is the input to a lyric-writing operation.
type LyricsRequest struct {
	Text  string // free text from the user describing the song
	Style Style
}

// LyricsResult is the provider's output.
type LyricsResult struct {
	Lyrics string `json:"lyrics"`
	Model  string `json:"model"`
}
