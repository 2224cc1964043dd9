// Package models contains shared data models used across the Melodia codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a generation task as exposed to clients.
// Provider-specific status strings never leak past internal/songgen.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final. Terminal tasks are never
// polled again and accept no further writes except the primary variation.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Style is the musical style requested for a rendering.
type Style string

const (
	StylePop        Style = "pop"
	StyleRock       Style = "rock"
	StyleBallad     Style = "ballad"
	StyleHipHop     Style = "hiphop"
	StyleElectronic Style = "electronic"
	StyleAcoustic   Style = "acoustic"
	StyleJazz       Style = "jazz"
)

// Valid reports whether the style is one of the supported values.
func (s Style) Valid() bool {
	switch s {
	case StylePop, StyleRock, StyleBallad, StyleHipHop, StyleElectronic, StyleAcoustic, StyleJazz:
		return true
	}
	return false
}

// GenerationTask tracks one asynchronous song rendering. The API returns a
// task_id on POST /api/v1/tasks; clients follow progress over the WebSocket
// feed or by polling GET /api/v1/tasks/{task_id} until status is terminal.
type GenerationTask struct {
	ID                    uuid.UUID   `db:"id"                      json:"task_id"`
	UserID                uuid.UUID   `db:"user_id"                 json:"-"`
	IdempotencyKey        string      `db:"idempotency_key"         json:"-"`
	ProviderTaskID        string      `db:"provider_task_id"        json:"-"`
	Lyrics                string      `db:"lyrics"                  json:"lyrics"`
	Style                 Style       `db:"style"                   json:"style"`
	Status                TaskStatus  `db:"status"                  json:"status"`
	Progress              int         `db:"progress"                json:"progress"`
	Variations            []Variation `db:"variations"              json:"variations"`
	PrimaryVariationIndex int         `db:"primary_variation_index" json:"primary_variation_index"`
	ErrorMessage          string      `db:"error_message"           json:"error,omitempty"`
	CreatedAt             time.Time   `db:"created_at"              json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at"              json:"updated_at"`
}

// Variation is one candidate rendering produced by the generation provider.
// AudioURL and AudioID come from the provider verbatim; VariationIndex is the
// position in the task's variation list and never changes once assigned.
type Variation struct {
	AudioURL       string `json:"audio_url"`
	AudioID        string `json:"audio_id"`
	VariationIndex int    `json:"variation_index"`
}

// Clone returns a deep copy. Pollers own and mutate their task instance, so
// anything handed across a goroutine boundary must be a copy.
func (t *GenerationTask) Clone() *GenerationTask {
	c := *t
	if t.Variations != nil {
		c.Variations = make([]Variation, len(t.Variations))
		copy(c.Variations, t.Variations)
	}
	return &c
}

// Snapshot builds the status-feed message for the task's current state.
// Every store write and every hub publish for a transition share one snapshot
// built here, so live pushes and resync replays are byte-identical.
func (t *GenerationTask) Snapshot() TaskSnapshot {
	vars := make([]Variation, len(t.Variations))
	copy(vars, t.Variations)
	return TaskSnapshot{
		TaskID:                t.ID,
		Status:                t.Status,
		Progress:              t.Progress,
		Variations:            vars,
		PrimaryVariationIndex: t.PrimaryVariationIndex,
		Error:                 t.ErrorMessage,
		UpdatedAt:             t.UpdatedAt,
	}
}

// TaskSnapshot is the wire message pushed over the status feed and replayed
// on resubscribe. Error is empty unless Status is failed.
type TaskSnapshot struct {
	TaskID                uuid.UUID   `json:"task_id"`
	Status                TaskStatus  `json:"status"`
	Progress              int         `json:"progress"`
	Variations            []Variation `json:"variations"`
	PrimaryVariationIndex int         `json:"primary_variation_index"`
	Error                 string      `json:"error,omitempty"`
	UpdatedAt             time.Time   `json:"updated_at"`
}
