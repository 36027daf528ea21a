package models

import "fmt"

// AnswerLetters are the option letters in option order
var AnswerLetters = [OptionsPerQuestion]string{"A", "B", "C", "D"}

// LetterIndex returns the option index of letter ("A".."D", any case) or -1
func LetterIndex(letter string) int {
	if len(letter) != 1 {
		return -1
	}
	c := letter[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if c < 'A' || c > 'D' {
		return -1
	}
	return int(c - 'A')
}

// AnswerDistribution counts correct answers per letter across a batch
type AnswerDistribution struct {
	A          int `json:"A"`
	B          int `json:"B"`
	C          int `json:"C"`
	D          int `json:"D"`
	Unresolved int `json:"unresolved"`
}

// Add counts one answer at option index i; out-of-range indexes count as unresolved
func (d *AnswerDistribution) Add(i int) {
	switch i {
	case 0:
		d.A++
	case 1:
		d.B++
	case 2:
		d.C++
	case 3:
		d.D++
	default:
		d.Unresolved++
	}
}

// Counts returns the per-letter counts in option order
func (d AnswerDistribution) Counts() [OptionsPerQuestion]int {
	return [OptionsPerQuestion]int{d.A, d.B, d.C, d.D}
}

// Total is the number of resolved answers
func (d AnswerDistribution) Total() int {
	return d.A + d.B + d.C + d.D
}

// String renders the counts as "A=3 B=3 C=2 D=2"
func (d AnswerDistribution) String() string {
	return fmt.Sprintf("A=%d B=%d C=%d D=%d", d.A, d.B, d.C, d.D)
}

// IssueSeverity ranks validation issues
type IssueSeverity string

// Validation issue severities, most severe first
const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityError    IssueSeverity = "error"
	SeverityWarning  IssueSeverity = "warning"
)

// Blocking reports whether an issue of this severity rejects the batch
func (s IssueSeverity) Blocking() bool {
	return s != SeverityWarning
}

// Issue kinds
const (
	IssueOptionCount      = "option_count"
	IssueContentLength    = "content_length"
	IssueDuplicateOptions = "duplicate_options"
	IssueUnresolvedAnswer = "unresolved_answer"
	IssueAllSameAnswer    = "all_same_answer"
	IssueConcentration    = "answer_concentration"
	IssueUnevenSpread     = "uneven_distribution"
	IssueEmptyBatch       = "empty_batch"
	IssueSchemaMismatch   = "schema_mismatch"
	IssueQuestionCount    = "question_count"
)

// ValidationIssue is one finding of batch validation. QuestionIndex is -1 for batch-level issues.
type ValidationIssue struct {
	Kind          string        `json:"kind"`
	Severity      IssueSeverity `json:"severity"`
	QuestionIndex int           `json:"questionIndex"`
	Message       string        `json:"message"`
}

// ValidationReport is the outcome of validating a batch
type ValidationReport struct {
	IsValid      bool               `json:"isValid"`
	Score        int                `json:"score"`
	Issues       []ValidationIssue  `json:"issues"`
	Distribution AnswerDistribution `json:"distribution"`
}

// HasStructuralErrors reports whether any per-question issue is present
func (r ValidationReport) HasStructuralErrors() bool {
	for _, issue := range r.Issues {
		if issue.QuestionIndex >= 0 && issue.Severity.Blocking() {
			return true
		}
	}
	return false
}

// RepairResult is the outcome of distribution repair
type RepairResult struct {
	Questions []Question       `json:"questions"`
	Shuffled  bool             `json:"shuffled"`
	Before    ValidationReport `json:"before"`
	After     ValidationReport `json:"after"`
}
