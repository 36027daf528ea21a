package models

import (
	"fmt"
	"time"
)

// Difficulty bounds of a generation request
const (
	MinDifficulty = 1
	MaxDifficulty = 5
)

// GenerationRequest asks for a new lesson for a user. TopicID and Difficulty
// may be left empty/zero to let progress analysis pick them.
type GenerationRequest struct {
	UserID        string    `json:"user_id" binding:"required"`
	TopicID       string    `json:"topic_id,omitempty"`
	Difficulty    int       `json:"difficulty,omitempty" binding:"omitempty,min=1,max=5"`
	QuestionCount int       `json:"question_count,omitempty" binding:"omitempty,min=1,max=50"`
	Goal          string    `json:"goal,omitempty"`
	Hints         []string  `json:"hints,omitempty"`
	Context       string    `json:"context,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	// Fresh skips deduplication against recently generated lessons
	Fresh         bool      `json:"fresh,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ClampDifficulty bounds d to [MinDifficulty, MaxDifficulty]
func ClampDifficulty(d int) int {
	if d < MinDifficulty {
		return MinDifficulty
	}
	if d > MaxDifficulty {
		return MaxDifficulty
	}
	return d
}

// GenerationState is a step of the per-request generation state machine
type GenerationState string

// Generation states, in pipeline order
const (
	StateRequested  GenerationState = "REQUESTED"
	StateQueued     GenerationState = "QUEUED"
	StateInFlight   GenerationState = "IN_FLIGHT"
	StateValidating GenerationState = "VALIDATING"
	StateRepaired   GenerationState = "REPAIRED"
	StateRejected   GenerationState = "REJECTED"
	StatePersisted  GenerationState = "PERSISTED"
	StateFailed     GenerationState = "FAILED"
)

var allowedTransitions = map[GenerationState][]GenerationState{
	StateRequested:  {StateQueued, StateFailed},
	StateQueued:     {StateInFlight, StateFailed},
	StateInFlight:   {StateValidating, StateFailed},
	StateValidating: {StateRepaired, StateRejected, StatePersisted, StateFailed},
	StateRepaired:   {StatePersisted, StateFailed},
	StateRejected:   {StateFailed},
}

// CanTransition reports whether the state machine allows moving from s to next
func (s GenerationState) CanTransition(next GenerationState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s GenerationState) IsTerminal() bool {
	return s == StatePersisted || s == StateFailed
}

// GenerationResult is the structured outcome returned across the orchestrator
// boundary. Errors are never surfaced any other way.
type GenerationResult struct {
	Success           bool              `json:"success"`
	StatusCode        int               `json:"statusCode"`
	Message           string            `json:"message,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Error             string            `json:"error,omitempty"`
	Retryable         bool              `json:"retryable"`
	RetryAfterSeconds int               `json:"retryAfterSeconds,omitempty"`
	QueueSize         int               `json:"queueSize,omitempty"`
	Issues            []ValidationIssue `json:"issues,omitempty"`
	State             GenerationState   `json:"state,omitempty"`
	Cached            bool              `json:"cached,omitempty"`
	Lesson            *Lesson           `json:"lesson,omitempty"`
	Data              interface{}       `json:"data,omitempty"`
}

// String summarises the result for logs
func (r *GenerationResult) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.Success {
		return fmt.Sprintf("success(%d)", r.StatusCode)
	}
	return fmt.Sprintf("failure(%d %s: %s)", r.StatusCode, r.Reason, r.Message)
}
