// Package songgen drives asynchronous song rendering against the external
// generation provider: submitting work, polling it to completion, persisting
// every transition, and fanning transitions out to subscribers.
package songgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for generation provider failures.
var (
	// ErrProviderUnavailable marks transient transport failures (connection
	// refused, timeout, 5xx). Callers may retry.
	ErrProviderUnavailable = errors.New("generation provider unavailable")
	// ErrSubmitRejected marks a 4xx on submission. The request will never
	// succeed as sent; callers must not retry.
	ErrSubmitRejected = errors.New("generation request rejected")
	// ErrTaskNotFound means the provider no longer knows the task id.
	ErrTaskNotFound = errors.New("generation task not found at provider")
)

// maxRenderings is the most candidate renderings a single task may carry.
// Anything past this is a provider anomaly and gets dropped.
const maxRenderings = 2

// Client is the interface for talking to the song generation provider.
type Client interface {
	// Submit sends lyrics for rendering and returns the provider's task id.
	Submit(ctx context.Context, lyrics, style string) (string, error)
	// Poll fetches the provider's current view of a task.
	Poll(ctx context.Context, providerTaskID string) (ProviderSnapshot, error)
}

// Stage is the provider's status collapsed into the stages the coordinator
// acts on. Raw provider strings never leave this package.
type Stage int

const (
	// StageUnknown covers provider statuses missing from the mapping table.
	// The coordinator treats it as still-processing and keeps polling.
	StageUnknown Stage = iota
	StageQueued
	StageProcessing
	StageComplete
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "queued"
	case StageProcessing:
		return "processing"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stageByStatus is the explicit mapping from provider status strings to
// stages. Statuses the provider adds later intentionally fall through to
// StageUnknown rather than guessing.
var stageByStatus = map[string]Stage{
	"PENDING":       StageQueued,
	"QUEUED":        StageQueued,
	"SUBMITTED":     StageQueued,
	"PROCESSING":    StageProcessing,
	"RUNNING":       StageProcessing,
	"TEXT_SUCCESS":  StageProcessing,
	"FIRST_SUCCESS": StageProcessing,
	"SUCCESS":       StageComplete,
	"COMPLETE":      StageComplete,
	"COMPLETED":     StageComplete,
	"FAILED":        StageFailed,
	"ERROR":         StageFailed,
	"CENSORED":      StageFailed,
}

// Rendering is one audio output reported by the provider.
type Rendering struct {
	AudioURL string
	AudioID  string
}

// ProviderSnapshot is one poll observation, already normalized: status mapped
// to a Stage, renderings capped, progress nil when the provider omitted it.
type ProviderSnapshot struct {
	Stage      Stage
	RawStatus  string
	Progress   *int
	Renderings []Rendering
	Detail     string // provider's error detail, set on failures
}

// HTTPClient implements Client using the provider's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new generation provider HTTP client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, lyrics, style string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Lyrics:     lyrics,
		Style:      style,
		Variations: maxRenderings,
	})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/generate", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: %s", ErrSubmitRejected, readProviderError(resp))
	default:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var submitResp submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if submitResp.TaskID == "" {
		return "", fmt.Errorf("%w: provider returned no task id", ErrProviderUnavailable)
	}

	return submitResp.TaskID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, providerTaskID string) (ProviderSnapshot, error) {
	u := fmt.Sprintf("%s/api/v1/generate/%s", c.baseURL, url.PathEscape(providerTaskID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ProviderSnapshot{}, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ProviderSnapshot{}, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return ProviderSnapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, providerTaskID)
	case resp.StatusCode >= 500:
		return ProviderSnapshot{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		return ProviderSnapshot{}, fmt.Errorf("%w: unexpected status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var pollResp pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pollResp); err != nil {
		return ProviderSnapshot{}, fmt.Errorf("decoding poll response: %w", err)
	}

	return c.normalize(providerTaskID, pollResp), nil
}

// normalize maps the raw poll payload into a ProviderSnapshot, logging the
// two provider anomalies we tolerate: unrecognized statuses and rendering
// counts past the cap.
func (c *HTTPClient) normalize(providerTaskID string, resp pollResponse) ProviderSnapshot {
	raw := strings.ToUpper(strings.TrimSpace(resp.Status))
	stage, ok := stageByStatus[raw]
	if !ok {
		stage = StageUnknown
		slog.Warn("unrecognized provider status",
			"provider_task_id", providerTaskID,
			"status", resp.Status,
		)
	}

	renderings := make([]Rendering, 0, len(resp.Renderings))
	for _, r := range resp.Renderings {
		renderings = append(renderings, Rendering{AudioURL: r.AudioURL, AudioID: r.AudioID})
	}
	if len(renderings) > maxRenderings {
		slog.Warn("provider returned more renderings than supported, truncating",
			"provider_task_id", providerTaskID,
			"count", len(renderings),
			"max", maxRenderings,
		)
		renderings = renderings[:maxRenderings]
	}

	return ProviderSnapshot{
		Stage:      stage,
		RawStatus:  resp.Status,
		Progress:   resp.Progress,
		Renderings: renderings,
		Detail:     resp.Error,
	}
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// readProviderError pulls the error message out of a 4xx body, falling back
// to the HTTP status when the body is not the expected shape.
func readProviderError(resp *http.Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// classifyError maps transport-level errors to ErrProviderUnavailable. Every
// transport failure looks the same to the coordinator: retryable.
func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrProviderUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// --- provider request/response types ---

type submitRequest struct {
	Lyrics     string `json:"lyrics"`
	Style      string `json:"style"`
	Variations int    `json:"variations"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type pollResponse struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Progress   *int            `json:"progress,omitempty"`
	Renderings []pollRendering `json:"renderings"`
	Error      string          `json:"error,omitempty"`
}

type pollRendering struct {
	AudioURL string `json:"audio_url"`
	AudioID  string `json:"audio_id"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
