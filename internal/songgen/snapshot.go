package songgen

import (
	"time"

	"github.com/melodia-app/melodia/pkg/models"
)

// Failure messages surfaced to clients. Constants so the store, the feed and
// the tests agree on the exact strings.
const (
	failureNoOutput     = "no output produced by the generation provider"
	failureTimeout      = "generation timed out before the provider finished"
	failureConnectivity = "generation provider unreachable after retries"
	failureLost         = "generation task lost by the provider"
)

// applyPollResult merges one provider observation into the task and reports
// whether anything changed. It is the only place poll results advance task
// state, and it enforces:
//   - status never regresses (queued is never re-entered, terminal is final)
//   - progress is monotonic and stays within [0,100]
//   - variations are append-only and capped at maxRenderings
//   - completion with zero renderings observed overall is a failure
//   - an unknown provider status keeps the task processing at prior progress
func applyPollResult(task *models.GenerationTask, snap ProviderSnapshot, now time.Time) bool {
	if task.Status.Terminal() {
		return false
	}

	changed := false

	switch snap.Stage {
	case StageQueued:
		// Still waiting in the provider's queue; nothing to record.

	case StageProcessing, StageUnknown:
		if task.Status != models.TaskStatusProcessing {
			task.Status = models.TaskStatusProcessing
			changed = true
		}
		if p, ok := reportedProgress(snap); ok && p > task.Progress {
			task.Progress = p
			changed = true
		}
		// Providers that render variations one at a time report partial
		// output before the final success.
		if mergeRenderings(task, snap.Renderings) {
			changed = true
		}

	case StageComplete:
		mergeRenderings(task, snap.Renderings)
		if len(task.Variations) == 0 {
			markFailed(task, failureNoOutput, now)
			return true
		}
		task.Status = models.TaskStatusCompleted
		task.Progress = 100
		task.ErrorMessage = ""
		changed = true

	case StageFailed:
		msg := snap.Detail
		if msg == "" {
			msg = "generation failed at the provider"
		}
		markFailed(task, msg, now)
		return true
	}

	if changed {
		task.UpdatedAt = now
	}
	return changed
}

// markFailed finalizes the task as failed. Progress and variations freeze at
// their last observed values.
func markFailed(task *models.GenerationTask, msg string, now time.Time) {
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = msg
	task.UpdatedAt = now
}

// reportedProgress returns the poll's progress clamped to [0,100], or false
// when the provider omitted the field.
func reportedProgress(snap ProviderSnapshot) (int, bool) {
	if snap.Progress == nil {
		return 0, false
	}
	p := *snap.Progress
	if p < 0 {
		return 0, false
	}
	if p > 100 {
		p = 100
	}
	return p, true
}

// mergeRenderings appends renderings the task has not recorded yet. Existing
// variations are never replaced or reordered; indexes are assigned once, in
// arrival order.
func mergeRenderings(task *models.GenerationTask, rs []Rendering) bool {
	before := len(task.Variations)
	for i := before; i < len(rs) && i < maxRenderings; i++ {
		task.Variations = append(task.Variations, models.Variation{
			AudioURL:       rs[i].AudioURL,
			AudioID:        rs[i].AudioID,
			VariationIndex: i,
		})
	}
	return len(task.Variations) != before
}
