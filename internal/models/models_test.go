package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLetterIndex(t *testing.T) {
	assert.Equal(t, 0, LetterIndex("A"))
	assert.Equal(t, 3, LetterIndex("d"))
	assert.Equal(t, -1, LetterIndex("E"))
	assert.Equal(t, -1, LetterIndex("AB"))
	assert.Equal(t, -1, LetterIndex(""))
}

func TestAnswerDistribution(t *testing.T) {
	var d AnswerDistribution
	for _, i := range []int{0, 0, 1, 2, 3, 3, 3, -1} {
		d.Add(i)
	}
	assert.Equal(t, [OptionsPerQuestion]int{2, 1, 1, 3}, d.Counts())
	assert.Equal(t, 7, d.Total())
	assert.Equal(t, 1, d.Unresolved)
	assert.Equal(t, "A=2 B=1 C=1 D=3", d.String())
}

func TestClampDifficulty(t *testing.T) {
	assert.Equal(t, 1, ClampDifficulty(-3))
	assert.Equal(t, 3, ClampDifficulty(3))
	assert.Equal(t, 5, ClampDifficulty(9))
}

func TestGenerationState_Transitions(t *testing.T) {
	assert.True(t, StateRequested.CanTransition(StateQueued))
	assert.True(t, StateValidating.CanTransition(StateRepaired))
	assert.True(t, StateRepaired.CanTransition(StatePersisted))
	assert.False(t, StateRejected.CanTransition(StatePersisted))
	assert.False(t, StatePersisted.CanTransition(StateQueued))
	assert.True(t, StatePersisted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateInFlight.IsTerminal())
}

func TestGenerationResult_JSONShape(t *testing.T) {
	r := GenerationResult{
		Success:    false,
		StatusCode: 503,
		Reason:     "QUEUE_FULL",
		Retryable:  true,
		QueueSize:  100,
	}
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, float64(503), decoded["statusCode"])
	assert.Equal(t, "QUEUE_FULL", decoded["reason"])
	assert.Equal(t, float64(100), decoded["queueSize"])
	assert.NotContains(t, decoded, "lesson")
}

func TestValidationReport_HasStructuralErrors(t *testing.T) {
	r := ValidationReport{Issues: []ValidationIssue{{Kind: IssueUnevenSpread, Severity: SeverityWarning, QuestionIndex: -1}}}
	assert.False(t, r.HasStructuralErrors())

	r.Issues = append(r.Issues, ValidationIssue{Kind: IssueOptionCount, Severity: SeverityError, QuestionIndex: 2})
	assert.True(t, r.HasStructuralErrors())
}
