package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/melodia-app/melodia/internal/api/middleware"
	"github.com/melodia-app/melodia/internal/api/response"
	"github.com/melodia-app/melodia/internal/songgen"
	"github.com/melodia-app/melodia/internal/store"
	"github.com/melodia-app/melodia/pkg/models"
)

// maxLyricsLen bounds the lyrics accepted for rendering.
const maxLyricsLen = 8000

// TaskCreator defines the coordinator surface the create handler depends on.
type TaskCreator interface {
	CreateTask(ctx context.Context, p songgen.CreateParams) (*models.GenerationTask, error)
}

// TaskReader defines the store surface the read handlers depend on.
type TaskReader interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.GenerationTask, error)
}

// TaskLister defines the store surface the list handler depends on.
type TaskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.GenerationTask, int, error)
}

// PrimarySetter defines the store surface for choosing a primary variation.
type PrimarySetter interface {
	TaskReader
	SetPrimaryVariation(ctx context.Context, id uuid.UUID, userID uuid.UUID, index int) error
}

// NewCreateTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks.
// The task is accepted for background rendering; the response carries the
// task in its initial queued state.
func NewCreateTaskHandler(svc TaskCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Lyrics string `json:"lyrics"`
			Style  string `json:"style"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if strings.TrimSpace(req.Lyrics) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lyrics is required", nil)
			return
		}
		if len(req.Lyrics) > maxLyricsLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lyrics is too long", nil)
			return
		}

		style := models.Style(req.Style)
		if !style.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"style must be one of pop, rock, ballad, hiphop, electronic, acoustic, jazz", nil)
			return
		}

		task, err := svc.CreateTask(r.Context(), songgen.CreateParams{
			UserID:         userID,
			Lyrics:         req.Lyrics,
			Style:          style,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			switch {
			case errors.Is(err, songgen.ErrSubmitRejected):
				response.Error(w, http.StatusUnprocessableEntity, "GENERATION_REJECTED",
					"The generation provider rejected the request", nil)
			case errors.Is(err, songgen.ErrProviderUnavailable):
				response.Error(w, http.StatusBadGateway, "GENERATION_PROVIDER_UNAVAILABLE",
					"The generation provider is not available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, task)
	}
}

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		task, status, code, msg := fetchOwnedTask(r, tasks, userID)
		if task == nil {
			response.Error(w, status, code, msg, nil)
			return
		}

		response.JSON(w, task)
	}
}

// NewListTasksHandler returns an http.HandlerFunc for GET /api/v1/tasks.
func NewListTasksHandler(tasks TaskLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		filter := store.TaskFilter{UserID: userID}

		if s := r.URL.Query().Get("status"); s != "" {
			status := models.TaskStatus(s)
			switch status {
			case models.TaskStatusQueued, models.TaskStatusProcessing,
				models.TaskStatusCompleted, models.TaskStatusFailed:
				filter.Status = status
			default:
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"status must be one of queued, processing, completed, failed", nil)
				return
			}
		}

		filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
		filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

		list, total, err := tasks.ListTasks(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if list == nil {
			list = []*models.GenerationTask{}
		}

		page, limit := normalizePagination(filter.Page, filter.Limit)
		response.Collection(w, list, response.NewMeta(page, limit, total))
	}
}

// NewSetPrimaryHandler returns an http.HandlerFunc for
// PATCH /api/v1/tasks/{taskID}/primary. Only completed tasks accept a
// primary variation, and only within the bounds of their variation list.
func NewSetPrimaryHandler(tasks PrimarySetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		task, status, code, msg := fetchOwnedTask(r, tasks, userID)
		if task == nil {
			response.Error(w, status, code, msg, nil)
			return
		}

		var req struct {
			PrimaryVariationIndex *int `json:"primary_variation_index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.PrimaryVariationIndex == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"primary_variation_index is required", nil)
			return
		}
		index := *req.PrimaryVariationIndex

		if task.Status != models.TaskStatusCompleted {
			response.Error(w, http.StatusConflict, "TASK_NOT_COMPLETED",
				"Primary variation can only be chosen on a completed task", nil)
			return
		}
		if index < 0 || index >= len(task.Variations) {
			response.Error(w, http.StatusBadRequest, "INVALID_VARIATION_INDEX",
				"primary_variation_index is out of range", nil)
			return
		}

		if err := tasks.SetPrimaryVariation(r.Context(), task.ID, userID, index); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		updated, err := tasks.GetTask(r.Context(), task.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, updated)
	}
}

// fetchOwnedTask loads the task in the URL and enforces ownership. A foreign
// task reads as not found so task ids cannot be probed.
func fetchOwnedTask(r *http.Request, tasks TaskReader, userID uuid.UUID) (*models.GenerationTask, int, string, string) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		return nil, http.StatusBadRequest, "INVALID_REQUEST", "taskID must be a valid UUID"
	}

	task, err := tasks.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, http.StatusNotFound, "NOT_FOUND", "Task not found"
	}
	if err != nil {
		return nil, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"
	}
	if task.UserID != userID {
		return nil, http.StatusNotFound, "NOT_FOUND", "Task not found"
	}
	return task, http.StatusOK, "", ""
}

// normalizePagination mirrors the store's clamps so pagination metadata
// reflects the values actually queried.
func normalizePagination(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
