package progress

import (
	"time"

	"scamprobe/internal/domain"
)

// Terminal builds the closing event for a task that already reached a
// terminal state, for subscribers that arrive after the live event is gone.
func Terminal(t *domain.Task, now time.Time) (domain.ProgressEvent, bool) {
	ev := domain.ProgressEvent{TaskID: t.ID, Percent: 100, IsTerminal: true, TS: now}
	switch t.State {
	case domain.TaskCompleted:
		ev.Step = StepDone
		ev.Message = "Analysis complete: " + string(t.Verdict.RiskLevel) + " risk"
	case domain.TaskTimedOut:
		ev.Step = StepTimedOut
		ev.Message = "The investigation took too long; a partial assessment is available"
		ev.IsError = true
	case domain.TaskFailed:
		ev.Step = StepFailed
		ev.Message = domain.UserFacingError
		ev.IsError = true
	default:
		return domain.ProgressEvent{}, false
	}
	return ev, true
}
