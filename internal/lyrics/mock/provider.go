package mock

import (
	"context"
	"fmt"

	"github.com/melodia-app/melodia/internal/lyrics"
	"github.com/melodia-app/melodia/pkg/models"
)

// MockProvider satisfies models.LyricsProvider for testing.
type MockProvider struct {
	Name_       string
	ComposeFunc func(ctx context.Context, req models.LyricsRequest) (models.LyricsResult, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Compose(ctx context.Context, req models.LyricsRequest) (models.LyricsResult, error) {
	if m.ComposeFunc != nil {
		return m.ComposeFunc(ctx, req)
	}
	return models.LyricsResult{}, nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ComposeFunc: func(_ context.Context, req models.LyricsRequest) (models.LyricsResult, error) {
			return models.LyricsResult{
				Lyrics: fmt.Sprintf("[Verse 1]\nA %s song about %s\n\n[Chorus]\nSing it again", req.Style, req.Text),
				Model:  "mock-v1",
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ComposeFunc: func(_ context.Context, _ models.LyricsRequest) (models.LyricsResult, error) {
			return models.LyricsResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ComposeFunc: func(ctx context.Context, _ models.LyricsRequest) (models.LyricsResult, error) {
			<-ctx.Done()
			return models.LyricsResult{}, lyrics.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements LyricsProvider.
var _ models.LyricsProvider = (*MockProvider)(nil)
