package songgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/melodia-app/melodia/internal/store"
	"github.com/melodia-app/melodia/pkg/models"
)

// --- mocks ---

// pollStep is one scripted poll outcome. The last step repeats forever.
type pollStep struct {
	snap ProviderSnapshot
	err  error
}

type mockClient struct {
	mu        sync.Mutex
	submitErr error
	submits   int
	polls     int
	steps     []pollStep
}

func (m *mockClient) Submit(ctx context.Context, lyrics, style string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return fmt.Sprintf("prov-%d", m.submits), nil
}

func (m *mockClient) Poll(ctx context.Context, providerTaskID string) (ProviderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if len(m.steps) == 0 {
		return ProviderSnapshot{Stage: StageProcessing}, nil
	}
	step := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	return step.snap, step.err
}

func (m *mockClient) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// mockStore is an in-memory store.Store. Task methods behave like the real
// store; the rest are stubs the coordinator never calls.
type mockStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*models.GenerationTask
	failUpserts int // next N UpsertTask calls fail
	upserts     int
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[uuid.UUID]*models.GenerationTask)}
}

func (m *mockStore) UpsertTask(ctx context.Context, task *models.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failUpserts > 0 {
		m.failUpserts--
		return errors.New("injected write failure")
	}
	for _, t := range m.tasks {
		if t.ID != task.ID && t.UserID == task.UserID &&
			t.IdempotencyKey == task.IdempotencyKey && !t.Status.Terminal() {
			return store.ErrDuplicateKey
		}
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *mockStore) GetTask(ctx context.Context, id uuid.UUID) (*models.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockStore) GetActiveTaskByKey(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*models.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.UserID == userID && t.IdempotencyKey == idempotencyKey && !t.Status.Terminal() {
			return t.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListActiveTasks(ctx context.Context) ([]*models.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationTask
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.GenerationTask, int, error) {
	return nil, 0, nil
}

func (m *mockStore) SetPrimaryVariation(ctx context.Context, id uuid.UUID, userID uuid.UUID, index int) error {
	return nil
}

func (m *mockStore) Ping(ctx context.Context) error { return nil }
func (m *mockStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *mockStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error { return nil }
func (m *mockStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error   { return nil }
func (m *mockStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *mockStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	return nil
}

func (m *mockStore) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *mockStore) setFailUpserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpserts = n
}

var _ store.Store = (*mockStore)(nil)
var _ Client = (*mockClient)(nil)

// --- helpers ---

func testSettings() Settings {
	return Settings{
		PollInterval:   50 * time.Millisecond,
		PollMaxRetries: 3,
		TaskTimeout:    10 * time.Second,
	}
}

func newTestCoordinator(t *testing.T, client *mockClient, st *mockStore, settings Settings) (*Coordinator, *Hub) {
	t.Helper()
	hub := NewHub()
	c := NewCoordinator(client, st, hub, settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c, hub
}

func validParams() CreateParams {
	return CreateParams{
		UserID: uuid.New(),
		Lyrics: "[Verse]\nneon rivers in the rain",
		Style:  models.StylePop,
	}
}

// waitForStatus polls the store until the task reaches the wanted status.
func waitForStatus(t *testing.T, st *mockStore, id uuid.UUID, status models.TaskStatus) *models.GenerationTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), id)
		if err == nil && task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), id)
	t.Fatalf("timed out waiting for task %s to reach %s (last seen: %+v)", id, status, task)
	return nil
}

// waitForPollerExit blocks until no poller goroutines remain registered.
func waitForPollerExit(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.ActivePollers() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for pollers to exit, %d still active", c.ActivePollers())
}

// collectUntilTerminal drains a subscription until a terminal snapshot lands.
func collectUntilTerminal(t *testing.T, sub *Subscription) []models.TaskSnapshot {
	t.Helper()
	var got []models.TaskSnapshot
	for {
		snap := receiveSnapshot(t, sub)
		got = append(got, snap)
		if snap.Status.Terminal() {
			return got
		}
	}
}

func processingStep(progress int, renderings ...Rendering) pollStep {
	return pollStep{snap: ProviderSnapshot{Stage: StageProcessing, Progress: &progress, Renderings: renderings}}
}

func completeStep(renderings ...Rendering) pollStep {
	return pollStep{snap: ProviderSnapshot{Stage: StageComplete, Renderings: renderings}}
}

var twoRenderings = []Rendering{
	{AudioURL: "https://cdn.example.com/a.mp3", AudioID: "aud-a"},
	{AudioURL: "https://cdn.example.com/b.mp3", AudioID: "aud-b"},
}

// --- CreateTask ---

func TestCreateTask_ReturnsQueuedImmediately(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	start := time.Now()
	task, err := c.CreateTask(context.Background(), validParams())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("CreateTask should return without waiting for generation, took %v", elapsed)
	}
	if task.ID == uuid.Nil {
		t.Error("expected a task id")
	}
	if task.Status != models.TaskStatusQueued {
		t.Errorf("expected status queued, got %s", task.Status)
	}
	if task.Progress != 0 {
		t.Errorf("expected progress 0, got %d", task.Progress)
	}
	if task.ProviderTaskID == "" {
		t.Error("expected provider task id recorded")
	}
	if len(task.Variations) != 0 {
		t.Errorf("expected no variations yet, got %d", len(task.Variations))
	}

	// The queued row is durable before CreateTask returns.
	stored, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("expected task persisted: %v", err)
	}
	if stored.Status != models.TaskStatusQueued {
		t.Errorf("expected stored status queued, got %s", stored.Status)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	cases := []struct {
		name    string
		params  CreateParams
		wantMsg string
	}{
		{
			name:    "missing user",
			params:  CreateParams{Lyrics: "la", Style: models.StylePop},
			wantMsg: "user id is required",
		},
		{
			name:    "empty lyrics",
			params:  CreateParams{UserID: uuid.New(), Lyrics: "   ", Style: models.StylePop},
			wantMsg: "lyrics are required",
		},
		{
			name:    "unsupported style",
			params:  CreateParams{UserID: uuid.New(), Lyrics: "la", Style: "country"},
			wantMsg: `unsupported style "country"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateTask(context.Background(), tc.params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("expected error containing %q, got: %v", tc.wantMsg, err)
			}
		})
	}

	if client.submitCount() != 0 {
		t.Errorf("provider must not be contacted for invalid params, got %d submits", client.submitCount())
	}
	if st.taskCount() != 0 {
		t.Errorf("no task should be persisted for invalid params, got %d", st.taskCount())
	}
}

func TestCreateTask_SubmitRejected(t *testing.T) {
	client := &mockClient{submitErr: fmt.Errorf("%w: lyrics too explicit", ErrSubmitRejected)}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	_, err := c.CreateTask(context.Background(), validParams())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrSubmitRejected) {
		t.Errorf("expected ErrSubmitRejected, got: %v", err)
	}
	if st.taskCount() != 0 {
		t.Errorf("rejected submission must not persist a task, got %d", st.taskCount())
	}
	if c.ActivePollers() != 0 {
		t.Errorf("rejected submission must not start a poller, got %d", c.ActivePollers())
	}
}

func TestCreateTask_DuplicateReturnsExisting(t *testing.T) {
	client := &mockClient{} // default script: processing forever
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	params := validParams()
	first, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected duplicate submission to return the active task, got %s and %s", first.ID, second.ID)
	}
	if client.submitCount() != 1 {
		t.Errorf("expected exactly one provider submission, got %d", client.submitCount())
	}
}

func TestCreateTask_DuplicateConcurrent(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	params := validParams()

	const n = 8
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := c.CreateTask(context.Background(), params)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = task.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("request %d got task %s, want %s", i, ids[i], ids[0])
		}
	}
	if client.submitCount() != 1 {
		t.Errorf("expected exactly one provider submission, got %d", client.submitCount())
	}
}

func TestCreateTask_ExplicitKeySeparatesTasks(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	params := validParams()
	params.IdempotencyKey = "key-one"
	first, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params.IdempotencyKey = "key-two"
	second, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID == second.ID {
		t.Error("distinct idempotency keys must create distinct tasks")
	}
	if client.submitCount() != 2 {
		t.Errorf("expected two provider submissions, got %d", client.submitCount())
	}
}

func TestCreateTask_DuplicateKeyFromAnotherInstance(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	// A row written by another process holds the key; this coordinator has
	// no in-memory record of it.
	params := validParams()
	existing := &models.GenerationTask{
		ID:             uuid.New(),
		UserID:         params.UserID,
		IdempotencyKey: ContentKey(params.UserID, params.Lyrics, params.Style),
		ProviderTaskID: "prov-elsewhere",
		Lyrics:         params.Lyrics,
		Style:          params.Style,
		Status:         models.TaskStatusProcessing,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.UpsertTask(context.Background(), existing); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	task, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.ID != existing.ID {
		t.Errorf("expected the row holding the key to win, got %s want %s", task.ID, existing.ID)
	}
}

func TestCreateTask_AfterTerminalCreatesNew(t *testing.T) {
	client := &mockClient{steps: []pollStep{completeStep(twoRenderings...)}}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	params := validParams()
	first, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForStatus(t, st, first.ID, models.TaskStatusCompleted)
	waitForPollerExit(t, c)

	second, err := c.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID == second.ID {
		t.Error("a finished task must not absorb a new submission")
	}
	if client.submitCount() != 2 {
		t.Errorf("expected two provider submissions, got %d", client.submitCount())
	}
}

// --- polling lifecycle ---

func TestPoller_DrivesTaskToCompletion(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		{snap: ProviderSnapshot{Stage: StageQueued}},
		processingStep(40),
		processingStep(70, twoRenderings[0]),
		completeStep(twoRenderings...),
	}}
	st := newMockStore()
	c, hub := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub := hub.Subscribe(task.ID)
	defer sub.Cancel()

	got := collectUntilTerminal(t, sub)

	want := []struct {
		status     models.TaskStatus
		progress   int
		variations int
	}{
		{models.TaskStatusProcessing, 40, 0},
		{models.TaskStatusProcessing, 70, 1},
		{models.TaskStatusCompleted, 100, 2},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d snapshots, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Status != w.status || got[i].Progress != w.progress || len(got[i].Variations) != w.variations {
			t.Errorf("snapshot %d: got status=%s progress=%d variations=%d, want %+v",
				i, got[i].Status, got[i].Progress, len(got[i].Variations), w)
		}
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	if final.Progress != 100 {
		t.Errorf("expected stored progress 100, got %d", final.Progress)
	}
	if len(final.Variations) != 2 {
		t.Errorf("expected 2 stored variations, got %d", len(final.Variations))
	}
	if final.ErrorMessage != "" {
		t.Errorf("expected no error on completed task, got %q", final.ErrorMessage)
	}
	if final.Variations[0].AudioID != "aud-a" || final.Variations[1].AudioID != "aud-b" {
		t.Errorf("unexpected variations: %+v", final.Variations)
	}
}

func TestPoller_CompleteWithoutOutputFails(t *testing.T) {
	client := &mockClient{steps: []pollStep{completeStep()}}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	if final.ErrorMessage != failureNoOutput {
		t.Errorf("expected error %q, got %q", failureNoOutput, final.ErrorMessage)
	}
}

func TestPoller_ProviderFailure(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		processingStep(30),
		{snap: ProviderSnapshot{Stage: StageFailed, Detail: "content policy violation"}},
	}}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	if final.ErrorMessage != "content policy violation" {
		t.Errorf("expected provider detail surfaced, got %q", final.ErrorMessage)
	}
	if final.Progress != 30 {
		t.Errorf("expected progress frozen at 30, got %d", final.Progress)
	}
}

func TestPoller_TaskTimeout(t *testing.T) {
	client := &mockClient{} // processing forever
	st := newMockStore()
	settings := Settings{
		PollInterval:   10 * time.Millisecond,
		PollMaxRetries: 3,
		TaskTimeout:    80 * time.Millisecond,
	}
	c, _ := newTestCoordinator(t, client, st, settings)

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	if final.ErrorMessage != failureTimeout {
		t.Errorf("expected error %q, got %q", failureTimeout, final.ErrorMessage)
	}
}

func TestPoller_RecoversFromTransientErrors(t *testing.T) {
	transient := pollStep{err: fmt.Errorf("%w: connection reset", ErrProviderUnavailable)}
	client := &mockClient{steps: []pollStep{
		transient,
		transient,
		processingStep(50),
		transient,
		transient,
		completeStep(twoRenderings...),
	}}
	st := newMockStore()
	settings := Settings{
		PollInterval:   10 * time.Millisecond,
		PollMaxRetries: 3, // two consecutive failures never exhaust the budget
		TaskTimeout:    10 * time.Second,
	}
	c, _ := newTestCoordinator(t, client, st, settings)

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	if len(final.Variations) != 2 {
		t.Errorf("expected 2 variations after recovery, got %d", len(final.Variations))
	}
}

func TestPoller_ConnectivityExhaustionFailsTask(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		{err: fmt.Errorf("%w: connection refused", ErrProviderUnavailable)},
	}}
	st := newMockStore()
	settings := Settings{
		PollInterval:   10 * time.Millisecond,
		PollMaxRetries: 2,
		TaskTimeout:    10 * time.Second,
	}
	c, _ := newTestCoordinator(t, client, st, settings)

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	if final.ErrorMessage != failureConnectivity {
		t.Errorf("expected error %q, got %q", failureConnectivity, final.ErrorMessage)
	}
}

func TestPoller_TaskLostAtProvider(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		{err: fmt.Errorf("%w: prov-1", ErrTaskNotFound)},
	}}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	if final.ErrorMessage != failureLost {
		t.Errorf("expected error %q, got %q", failureLost, final.ErrorMessage)
	}
}

func TestPoller_DeferredPublishAfterWriteFailure(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		processingStep(40),
		processingStep(40), // same state again; retried commit happens here
		completeStep(twoRenderings...),
	}}
	st := newMockStore()
	c, hub := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub := hub.Subscribe(task.ID)
	defer sub.Cancel()

	// The first transition write fails; its publish must wait for the write.
	st.setFailUpserts(1)

	got := collectUntilTerminal(t, sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots (deferred processing, completed), got %d: %+v", len(got), got)
	}
	if got[0].Status != models.TaskStatusProcessing || got[0].Progress != 40 {
		t.Errorf("unexpected first snapshot: %+v", got[0])
	}
	if got[1].Status != models.TaskStatusCompleted {
		t.Errorf("unexpected final snapshot: %+v", got[1])
	}

	final := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	if final.Progress != 100 {
		t.Errorf("expected stored progress 100, got %d", final.Progress)
	}
}

func TestPoller_TerminalWriteRetries(t *testing.T) {
	client := &mockClient{steps: []pollStep{completeStep(twoRenderings...)}}
	st := newMockStore()
	c, _ := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fail the in-loop commit and the first retry; the second retry lands.
	st.setFailUpserts(2)

	final := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	if len(final.Variations) != 2 {
		t.Errorf("expected terminal state persisted with variations, got %+v", final)
	}
}

// --- fan-out ---

func TestPoller_SubscribersSeeSameSequence(t *testing.T) {
	client := &mockClient{steps: []pollStep{
		processingStep(25),
		processingStep(75),
		completeStep(twoRenderings...),
	}}
	st := newMockStore()
	c, hub := newTestCoordinator(t, client, st, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub1 := hub.Subscribe(task.ID)
	defer sub1.Cancel()
	sub2 := hub.Subscribe(task.ID)
	defer sub2.Cancel()

	got1 := collectUntilTerminal(t, sub1)
	got2 := collectUntilTerminal(t, sub2)

	if len(got1) != len(got2) {
		t.Fatalf("subscribers diverged: %d vs %d snapshots", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i].Status != got2[i].Status || got1[i].Progress != got2[i].Progress {
			t.Errorf("snapshot %d diverged: %+v vs %+v", i, got1[i], got2[i])
		}
	}
	last := got1[len(got1)-1]
	if !last.Status.Terminal() {
		t.Errorf("expected a terminal final snapshot, got %s", last.Status)
	}
}

// --- resume and shutdown ---

func TestResumeActive(t *testing.T) {
	client := &mockClient{steps: []pollStep{completeStep(twoRenderings...)}}
	st := newMockStore()

	// A processing task from a previous process and a finished one.
	userID := uuid.New()
	active := &models.GenerationTask{
		ID:             uuid.New(),
		UserID:         userID,
		IdempotencyKey: "resume-key",
		ProviderTaskID: "prov-resume",
		Lyrics:         "la",
		Style:          models.StyleRock,
		Status:         models.TaskStatusProcessing,
		Progress:       40,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	done := &models.GenerationTask{
		ID:             uuid.New(),
		UserID:         userID,
		IdempotencyKey: "done-key",
		ProviderTaskID: "prov-done",
		Lyrics:         "la",
		Style:          models.StyleRock,
		Status:         models.TaskStatusCompleted,
		Progress:       100,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	for _, task := range []*models.GenerationTask{active, done} {
		if err := st.UpsertTask(context.Background(), task); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}

	c, _ := newTestCoordinator(t, client, st, testSettings())

	resumed, err := c.ResumeActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed != 1 {
		t.Errorf("expected 1 resumed task, got %d", resumed)
	}

	final := waitForStatus(t, st, active.ID, models.TaskStatusCompleted)
	if len(final.Variations) != 2 {
		t.Errorf("expected resumed task driven to completion, got %+v", final)
	}
}

func TestResumeActive_NoProviderReference(t *testing.T) {
	client := &mockClient{}
	st := newMockStore()

	orphan := &models.GenerationTask{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: "orphan-key",
		Lyrics:         "la",
		Style:          models.StylePop,
		Status:         models.TaskStatusQueued,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.UpsertTask(context.Background(), orphan); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	c, _ := newTestCoordinator(t, client, st, testSettings())

	resumed, err := c.ResumeActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed != 0 {
		t.Errorf("expected 0 resumed tasks, got %d", resumed)
	}

	final := waitForStatus(t, st, orphan.ID, models.TaskStatusFailed)
	if final.ErrorMessage != failureLost {
		t.Errorf("expected error %q, got %q", failureLost, final.ErrorMessage)
	}
}

func TestShutdown_LeavesTaskResumable(t *testing.T) {
	client := &mockClient{} // never reaches a terminal state
	st := newMockStore()
	hub := NewHub()
	c := NewCoordinator(client, st, hub, testSettings())

	task, err := c.CreateTask(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	if c.ActivePollers() != 0 {
		t.Errorf("expected all pollers stopped, got %d", c.ActivePollers())
	}

	stored, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status.Terminal() {
		t.Errorf("shutdown must not finalize in-flight tasks, got %s", stored.Status)
	}
}

// --- settings and keys ---

func TestNewCoordinator_DefaultsSettings(t *testing.T) {
	c := NewCoordinator(&mockClient{}, newMockStore(), NewHub(), Settings{})
	defer c.Shutdown(context.Background())

	if c.settings.PollInterval != 3*time.Second {
		t.Errorf("expected default poll interval 3s, got %v", c.settings.PollInterval)
	}
	if c.settings.PollMaxRetries != 5 {
		t.Errorf("expected default max retries 5, got %d", c.settings.PollMaxRetries)
	}
	if c.settings.TaskTimeout != 10*time.Minute {
		t.Errorf("expected default task timeout 10m, got %v", c.settings.TaskTimeout)
	}
}

func TestContentKey(t *testing.T) {
	user := uuid.New()

	k1 := ContentKey(user, "same lyrics", models.StylePop)
	k2 := ContentKey(user, "same lyrics", models.StylePop)
	if k1 != k2 {
		t.Error("identical content must derive identical keys")
	}

	if ContentKey(user, "same lyrics", models.StyleRock) == k1 {
		t.Error("different style must derive a different key")
	}
	if ContentKey(user, "other lyrics", models.StylePop) == k1 {
		t.Error("different lyrics must derive a different key")
	}
	if ContentKey(uuid.New(), "same lyrics", models.StylePop) == k1 {
		t.Error("different user must derive a different key")
	}
}

func TestRetryBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{20, maxBackoff},
	}
	for _, tc := range cases {
		if got := retryBackoff(base, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
