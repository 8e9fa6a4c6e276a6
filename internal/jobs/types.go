package jobs

import (
	"time"

	"github.com/paulgrammer/audiobatch/internal/ffmpeg"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Result captures the outcome of a finished conversion.
type Result struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message,omitempty"`
	OutputPath string  `json:"output_path,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	ExitCode   int     `json:"exit_code"`
	Duration   float64 `json:"duration_seconds"`
}

type Job struct {
	ID         string        `json:"id"`
	InputPath  string        `json:"input_path"`
	OutputPath string        `json:"output_path"`
	Params     ffmpeg.Params `json:"params"`

	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	Result       *Result    `json:"result,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusSkipped},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func validTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the job along a legal edge and stamps the matching
// timestamp. Terminal states never change again; a false return means
// the caller lost the race and must not emit events for it.
func (j *Job) transition(to Status, now time.Time) bool {
	if !validTransition(j.Status, to) {
		return false
	}
	j.Status = to
	switch {
	case to == StatusRunning:
		j.StartedAt = &now
	case to.IsTerminal():
		j.CompletedAt = &now
	}
	return true
}

// snapshot returns a copy safe to hand out after the scheduler lock is
// released.
func (j *Job) snapshot() Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}

// Duration reports wall-clock seconds spent converting so far, using
// the current time while the job is still running.
func (j Job) Duration() float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// ETA extrapolates remaining seconds from the progress fraction. Zero
// when the job is not running or nothing has been reported yet.
func (j Job) ETA() float64 {
	if j.Status != StatusRunning || j.Progress <= 0 {
		return 0
	}
	elapsed := j.Duration()
	if elapsed <= 0 {
		return 0
	}
	remaining := elapsed/j.Progress - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
