package songgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/melodia-app/melodia/internal/store"
	"github.com/melodia-app/melodia/pkg/models"
)

// maxBackoff caps the wait between poll retries.
const maxBackoff = 30 * time.Second

// Terminal writes must land even when a single attempt fails.
const (
	finalCommitAttempts = 3
	finalCommitBackoff  = 500 * time.Millisecond
)

// Settings controls poller cadence and budgets.
type Settings struct {
	// PollInterval is the wait between successful polls.
	PollInterval time.Duration
	// PollMaxRetries bounds consecutive transient poll failures before the
	// task fails with a connectivity error.
	PollMaxRetries int
	// TaskTimeout is the wall-clock budget for a task measured from its
	// creation. Exceeding it fails the task regardless of provider state.
	TaskTimeout time.Duration
}

// CreateParams holds validated parameters for a generation request.
type CreateParams struct {
	UserID         uuid.UUID
	Lyrics         string
	Style          models.Style
	IdempotencyKey string // derived from content when empty
}

// Coordinator owns the lifecycle of generation tasks: it submits work to the
// provider, runs exactly one poller goroutine per non-terminal task, persists
// every transition and then publishes it to the hub in the same order.
type Coordinator struct {
	client   Client
	store    store.Store
	hub      *Hub
	settings Settings

	flight singleflight.Group

	mu     sync.Mutex
	byKey  map[string]uuid.UUID   // active idempotency key -> task id
	active map[uuid.UUID]struct{} // task ids with a live poller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator. Zero settings fall back to sane
// defaults so a half-filled config cannot produce a busy loop.
func NewCoordinator(client Client, st store.Store, hub *Hub, settings Settings) *Coordinator {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 3 * time.Second
	}
	if settings.PollMaxRetries <= 0 {
		settings.PollMaxRetries = 5
	}
	if settings.TaskTimeout <= 0 {
		settings.TaskTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:   client,
		store:    st,
		hub:      hub,
		settings: settings,
		byKey:    make(map[string]uuid.UUID),
		active:   make(map[uuid.UUID]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ContentKey derives the default idempotency key for a submission from its
// content. Identical submissions by the same user map to the same key.
func ContentKey(userID uuid.UUID, lyrics string, style models.Style) string {
	h := sha256.New()
	h.Write(userID[:])
	h.Write([]byte{0})
	h.Write([]byte(lyrics))
	h.Write([]byte{0})
	h.Write([]byte(style))
	return hex.EncodeToString(h.Sum(nil))
}

// CreateTask submits lyrics for rendering and returns the tracking task.
// Duplicate submissions (same user and idempotency key) while a task is
// active return the existing task instead of creating a second one; the
// provider is never contacted for a duplicate.
func (c *Coordinator) CreateTask(ctx context.Context, p CreateParams) (*models.GenerationTask, error) {
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("invalid params: user id is required")
	}
	if strings.TrimSpace(p.Lyrics) == "" {
		return nil, fmt.Errorf("invalid params: lyrics are required")
	}
	if !p.Style.Valid() {
		return nil, fmt.Errorf("invalid params: unsupported style %q", p.Style)
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = ContentKey(p.UserID, p.Lyrics, p.Style)
	}

	key := flightKey(p.UserID, p.IdempotencyKey)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.createTask(ctx, p, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.GenerationTask), nil
}

func (c *Coordinator) createTask(ctx context.Context, p CreateParams, key string) (*models.GenerationTask, error) {
	// An active task for this key wins over a new submission.
	c.mu.Lock()
	existingID, ok := c.byKey[key]
	c.mu.Unlock()
	if ok {
		existing, err := c.store.GetTask(ctx, existingID)
		if err == nil && !existing.Status.Terminal() {
			return existing, nil
		}
		// Poller released the key between lookup and read; treat as new.
	}

	providerTaskID, err := c.client.Submit(ctx, p.Lyrics, string(p.Style))
	if err != nil {
		return nil, fmt.Errorf("submitting generation: %w", err)
	}

	now := time.Now().UTC()
	task := &models.GenerationTask{
		ID:             uuid.New(),
		UserID:         p.UserID,
		IdempotencyKey: p.IdempotencyKey,
		ProviderTaskID: providerTaskID,
		Lyrics:         p.Lyrics,
		Style:          p.Style,
		Status:         models.TaskStatusQueued,
		Variations:     []models.Variation{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.store.UpsertTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Another instance already holds this key; surface its task.
			if existing, lookupErr := c.store.GetActiveTaskByKey(ctx, p.UserID, p.IdempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	c.hub.Publish(task.Snapshot())
	c.startPoller(task, key)

	slog.Info("generation task created",
		"task_id", task.ID,
		"user_id", p.UserID,
		"provider_task_id", providerTaskID,
		"style", p.Style,
	)

	return task.Clone(), nil
}

// ResumeActive restarts pollers for tasks that were non-terminal when the
// previous process stopped. Call once at startup, before serving traffic.
func (c *Coordinator) ResumeActive(ctx context.Context) (int, error) {
	tasks, err := c.store.ListActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active tasks: %w", err)
	}

	resumed := 0
	for _, t := range tasks {
		if t.ProviderTaskID == "" {
			// Row never reached the provider; nothing to poll.
			slog.Warn("active task has no provider reference, failing it", "task_id", t.ID)
			c.finalize(t, failureLost)
			continue
		}
		c.startPoller(t, flightKey(t.UserID, t.IdempotencyKey))
		resumed++
	}
	return resumed, nil
}

// Shutdown stops all pollers and waits for them to exit. In-flight tasks
// stay non-terminal in the store and resume on the next boot.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivePollers reports how many poller goroutines are currently registered.
func (c *Coordinator) ActivePollers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// startPoller registers the task and spawns its poller. The registration
// maps guarantee at most one poller per task id within the process.
func (c *Coordinator) startPoller(task *models.GenerationTask, key string) {
	c.mu.Lock()
	if _, running := c.active[task.ID]; running {
		c.mu.Unlock()
		return
	}
	c.active[task.ID] = struct{}{}
	c.byKey[key] = task.ID
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runPoller(task, key)
}

// runPoller drives one task to a terminal state. It owns the task instance:
// nothing else mutates it while the poller lives.
func (c *Coordinator) runPoller(task *models.GenerationTask, key string) {
	defer c.wg.Done()
	defer c.release(task.ID, key)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in poller", "error", r, "task_id", task.ID)
			c.finalize(task, fmt.Sprintf("internal error: %v", r))
		}
	}()

	deadline := task.CreatedAt.Add(c.settings.TaskTimeout)
	retries := 0
	dirty := false

	timer := time.NewTimer(c.settings.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			slog.Info("poller stopped by shutdown, task remains active",
				"task_id", task.ID, "status", task.Status)
			return
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			c.finalize(task, failureTimeout)
			return
		}

		snap, err := c.client.Poll(c.ctx, task.ProviderTaskID)
		if err != nil {
			if c.ctx.Err() != nil {
				slog.Info("poller stopped by shutdown, task remains active",
					"task_id", task.ID, "status", task.Status)
				return
			}
			if errors.Is(err, ErrProviderUnavailable) && retries < c.settings.PollMaxRetries {
				retries++
				wait := retryBackoff(c.settings.PollInterval, retries)
				slog.Warn("poll failed, backing off",
					"task_id", task.ID, "attempt", retries, "wait", wait, "error", err)
				timer.Reset(wait)
				continue
			}
			msg := failureConnectivity
			if errors.Is(err, ErrTaskNotFound) {
				msg = failureLost
			}
			c.finalize(task, msg)
			return
		}
		retries = 0

		if applyPollResult(task, snap, time.Now().UTC()) || dirty {
			dirty = !c.commit(c.ctx, task)
		}

		if task.Status.Terminal() {
			if dirty {
				c.commitWithRetry(task)
			}
			slog.Info("generation task finished",
				"task_id", task.ID, "status", task.Status, "variations", len(task.Variations))
			return
		}

		timer.Reset(c.settings.PollInterval)
	}
}

// commit persists the task and then publishes the matching snapshot. The
// write always precedes the publish; on a failed write the publish is
// deferred to the next attempt, so subscribers never see state the store
// does not have.
func (c *Coordinator) commit(ctx context.Context, task *models.GenerationTask) bool {
	snap := task.Snapshot()
	if err := c.store.UpsertTask(ctx, task); err != nil {
		slog.Error("persisting task transition failed",
			"task_id", task.ID, "status", task.Status, "error", err)
		return false
	}
	c.hub.Publish(snap)
	return true
}

// commitWithRetry is commit for terminal states, which must land. It uses a
// background context so shutdown cannot cancel the final write.
func (c *Coordinator) commitWithRetry(task *models.GenerationTask) {
	for attempt := 1; attempt <= finalCommitAttempts; attempt++ {
		if c.commit(context.Background(), task) {
			return
		}
		time.Sleep(time.Duration(attempt) * finalCommitBackoff)
	}
	slog.Error("giving up persisting terminal task state",
		"task_id", task.ID, "status", task.Status)
}

// finalize fails the task with msg and makes a best effort to persist and
// publish the terminal state.
func (c *Coordinator) finalize(task *models.GenerationTask, msg string) {
	if task.Status.Terminal() {
		return
	}
	markFailed(task, msg, time.Now().UTC())
	c.commitWithRetry(task)
}

func (c *Coordinator) release(taskID uuid.UUID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, taskID)
	if id, ok := c.byKey[key]; ok && id == taskID {
		delete(c.byKey, key)
	}
}

func flightKey(userID uuid.UUID, idempotencyKey string) string {
	return userID.String() + ":" + idempotencyKey
}

// retryBackoff doubles the poll interval per consecutive failure, capped at
// maxBackoff.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
