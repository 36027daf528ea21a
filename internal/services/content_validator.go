package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Score penalties per issue severity
const (
	penaltyCritical = 50
	penaltyHigh     = 30
	penaltyError    = 20
	penaltyWarning  = 5
)

// letterPrefixPattern matches "A.", "A)", "A-", "A:" and "(A)" style option labels
var letterPrefixPattern = regexp.MustCompile(`^\s*\(?([A-Da-d])\s*[.):\-]\s*`)

// ContentValidatorInterface normalizes, validates and repairs generated question batches
type ContentValidatorInterface interface {
	NormalizeAnswer(q models.Question) (string, bool)
	NormalizeBatch(questions []models.Question) []models.Question
	ValidateBatch(ctx context.Context, questions []models.Question) models.ValidationReport
	RepairDistribution(ctx context.Context, questions []models.Question) models.RepairResult
}

// ContentValidator implements ContentValidatorInterface
type ContentValidator struct {
	cfg    config.ValidationConfig
	logger *observability.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewContentValidator creates a validator with the given thresholds
func NewContentValidator(cfg config.ValidationConfig, logger *observability.Logger) *ContentValidator {
	if cfg.ConcentrationThreshold <= 0 {
		cfg.ConcentrationThreshold = config.DefaultConcentrationThreshold
	}
	if cfg.SpreadRatio <= 0 {
		cfg.SpreadRatio = config.DefaultSpreadRatio
	}
	return &ContentValidator{
		cfg:    cfg,
		logger: logger.Component("content_validator"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// splitLetterPrefix returns the option label index (or -1) and the text after it
func splitLetterPrefix(s string) (int, string) {
	m := letterPrefixPattern.FindStringSubmatchIndex(s)
	if m == nil {
		return -1, strings.TrimSpace(s)
	}
	return models.LetterIndex(s[m[2]:m[3]]), strings.TrimSpace(s[m[1]:])
}

// collapseText collapses whitespace and case-folds
func collapseText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// foldText strips a letter label, collapses whitespace and case-folds
func foldText(s string) string {
	_, body := splitLetterPrefix(s)
	return collapseText(body)
}

// contentIndex returns the option whose text equals body with or without
// labels on either side, or -1
func contentIndex(options []string, body string) int {
	whole, folded := collapseText(body), foldText(body)
	if whole == "" {
		return -1
	}
	for i, opt := range options {
		if o := foldText(opt); o == whole || o == folded || collapseText(opt) == whole {
			return i
		}
	}
	return -1
}

// NormalizeAnswer resolves q.CorrectAnswer to one of q.Options, trying in order
// an exact match, a bare letter, a case-folded match of the whole text, a letter
// label, label-stripped case-folded content and finally a substring match. A
// label whose text names a different option is ignored, so "b-52 bomber" is read
// as content. When nothing matches it returns the first option and false.
func (v *ContentValidator) NormalizeAnswer(q models.Question) (string, bool) {
	if len(q.Options) == 0 {
		return "", false
	}
	answer := strings.TrimSpace(q.CorrectAnswer)

	for _, opt := range q.Options {
		if opt == q.CorrectAnswer || opt == answer {
			return opt, true
		}
	}

	if utf8.RuneCountInString(answer) == 1 {
		if i := models.LetterIndex(answer); i >= 0 && i < len(q.Options) {
			return q.Options[i], true
		}
	}

	whole := collapseText(answer)
	for _, opt := range q.Options {
		if collapseText(opt) == whole {
			return opt, true
		}
	}

	if i, body := splitLetterPrefix(answer); i >= 0 && i < len(q.Options) {
		if j := contentIndex(q.Options, body); j < 0 || j == i {
			return q.Options[i], true
		}
	}

	folded := foldText(answer)
	if folded != "" {
		for _, opt := range q.Options {
			if foldText(opt) == folded || collapseText(opt) == folded {
				return opt, true
			}
		}
		for _, opt := range q.Options {
			o := foldText(opt)
			if o != "" && (strings.Contains(folded, o) || strings.Contains(o, folded)) {
				return opt, true
			}
		}
	}

	return q.Options[0], false
}

// NormalizeBatch returns a copy of questions with every CorrectAnswer replaced by its resolved option
func (v *ContentValidator) NormalizeBatch(questions []models.Question) []models.Question {
	out := copyQuestions(questions)
	for i := range out {
		if normalized, _ := v.NormalizeAnswer(out[i]); normalized != "" {
			out[i].CorrectAnswer = normalized
		}
	}
	return out
}

// answerIndex returns the option index of the resolved answer, or -1
func (v *ContentValidator) answerIndex(q models.Question) int {
	normalized, ok := v.NormalizeAnswer(q)
	if !ok {
		return -1
	}
	for i, opt := range q.Options {
		if opt == normalized {
			return i
		}
	}
	return -1
}

// ValidateBatch runs the structural and distribution checks over a batch
func (v *ContentValidator) ValidateBatch(ctx context.Context, questions []models.Question) models.ValidationReport {
	_, span := observability.TraceValidationFunction(ctx, "validate_batch", attribute.Int("questions", len(questions)))
	defer span.End()

	report := v.validate(questions)
	span.SetAttributes(
		attribute.Bool("valid", report.IsValid),
		attribute.Int("score", report.Score),
		attribute.String("distribution", report.Distribution.String()),
	)
	return report
}

func (v *ContentValidator) validate(questions []models.Question) models.ValidationReport {
	var issues []models.ValidationIssue
	var dist models.AnswerDistribution
	add := func(kind string, sev models.IssueSeverity, idx int, format string, args ...interface{}) {
		issues = append(issues, models.ValidationIssue{Kind: kind, Severity: sev, QuestionIndex: idx, Message: fmt.Sprintf(format, args...)})
	}

	for i, q := range questions {
		if len(q.Options) != models.OptionsPerQuestion {
			add(models.IssueOptionCount, models.SeverityError, i, "question %d has %d options, want %d", i+1, len(q.Options), models.OptionsPerQuestion)
		} else {
			for j, opt := range q.Options {
				if strings.TrimSpace(opt) == "" {
					add(models.IssueOptionCount, models.SeverityError, i, "question %d option %s is empty", i+1, models.AnswerLetters[j])
				}
			}
		}

		if utf8.RuneCountInString(strings.TrimSpace(q.Content)) < v.cfg.MinContentLength {
			add(models.IssueContentLength, models.SeverityError, i, "question %d content is shorter than %d characters", i+1, v.cfg.MinContentLength)
		}

		seen := make(map[string]bool, len(q.Options))
		for _, opt := range q.Options {
			key := foldText(opt)
			if key == "" {
				continue
			}
			if seen[key] {
				add(models.IssueDuplicateOptions, models.SeverityError, i, "question %d has duplicate option %q", i+1, opt)
				break
			}
			seen[key] = true
		}

		idx := v.answerIndex(q)
		if idx < 0 {
			add(models.IssueUnresolvedAnswer, models.SeverityError, i, "question %d correct answer %q matches no option", i+1, q.CorrectAnswer)
		}
		dist.Add(idx)
	}

	n := len(questions)
	if n == 0 {
		add(models.IssueEmptyBatch, models.SeverityError, -1, "batch has no questions")
	} else {
		counts := dist.Counts()
		maxCount, minCount, maxLetter := counts[0], counts[0], 0
		for i, c := range counts {
			if c > maxCount {
				maxCount, maxLetter = c, i
			}
			if c < minCount {
				minCount = c
			}
		}

		switch {
		case n > 1 && maxCount == n:
			add(models.IssueAllSameAnswer, models.SeverityCritical, -1, "all %d answers are %s", n, models.AnswerLetters[maxLetter])
		case n > 1 && float64(maxCount)/float64(n) >= v.cfg.ConcentrationThreshold:
			add(models.IssueConcentration, models.SeverityHigh, -1, "%d of %d answers are %s (threshold %.0f%%)",
				maxCount, n, models.AnswerLetters[maxLetter], v.cfg.ConcentrationThreshold*100)
		}
		if float64(maxCount-minCount) > v.cfg.SpreadRatio*float64(n) {
			add(models.IssueUnevenSpread, models.SeverityWarning, -1, "answer distribution %s is uneven", dist.String())
		}
	}

	return models.ValidationReport{
		IsValid:      !hasBlocking(issues),
		Score:        scoreIssues(issues),
		Issues:       issues,
		Distribution: dist,
	}
}

func hasBlocking(issues []models.ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity.Blocking() {
			return true
		}
	}
	return false
}

// scoreIssues is 100 minus the severity penalties, floored at 0
func scoreIssues(issues []models.ValidationIssue) int {
	score := 100
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			score -= penaltyCritical
		case models.SeverityHigh:
			score -= penaltyHigh
		case models.SeverityError:
			score -= penaltyError
		case models.SeverityWarning:
			score -= penaltyWarning
		}
	}
	return int(math.Max(0, float64(score)))
}

// TargetDistribution spreads n answers as evenly as possible over A-D, e.g. 10 -> 3/3/2/2
func TargetDistribution(n int) [models.OptionsPerQuestion]int {
	var target [models.OptionsPerQuestion]int
	for i := range target {
		target[i] = n / models.OptionsPerQuestion
		if i < n%models.OptionsPerQuestion {
			target[i]++
		}
	}
	return target
}

// RepairDistribution points each correct answer at the option in its slot of a
// shuffled even target. Options are never reordered. The repair is only kept
// when it strictly improves the validation score. Batches with structural
// errors are returned unchanged.
func (v *ContentValidator) RepairDistribution(ctx context.Context, questions []models.Question) models.RepairResult {
	ctx, span := observability.TraceValidationFunction(ctx, "repair_distribution", attribute.Int("questions", len(questions)))
	defer span.End()

	before := v.validate(questions)
	unchanged := models.RepairResult{Questions: questions, Before: before, After: before}
	if before.HasStructuralErrors() || len(questions) == 0 {
		span.SetAttributes(attribute.String("repair.result", "skipped"))
		return unchanged
	}

	target := TargetDistribution(len(questions))
	letters := make([]int, 0, len(questions))
	for letter, count := range target {
		for i := 0; i < count; i++ {
			letters = append(letters, letter)
		}
	}
	v.mu.Lock()
	v.rnd.Shuffle(len(letters), func(i, j int) { letters[i], letters[j] = letters[j], letters[i] })
	v.mu.Unlock()

	repaired := v.NormalizeBatch(questions)
	for i := range repaired {
		q := &repaired[i]
		cur := v.answerIndex(*q)
		want := letters[i]
		if cur < 0 || cur == want || strings.TrimSpace(q.Options[want]) == "" {
			continue
		}
		q.CorrectAnswer = q.Options[want]
	}

	after := v.validate(repaired)
	if after.Score <= before.Score {
		span.SetAttributes(attribute.String("repair.result", "no_improvement"))
		v.logger.Info(ctx, "Distribution repair did not improve the batch", map[string]interface{}{
			"before_score": before.Score,
			"after_score":  after.Score,
		})
		return unchanged
	}

	span.SetAttributes(attribute.String("repair.result", "applied"), attribute.String("distribution", after.Distribution.String()))
	v.logger.Info(ctx, "Distribution repaired", map[string]interface{}{
		"before":       before.Distribution.String(),
		"after":        after.Distribution.String(),
		"before_score": before.Score,
		"after_score":  after.Score,
	})
	return models.RepairResult{Questions: repaired, Shuffled: true, Before: before, After: after}
}

func copyQuestions(questions []models.Question) []models.Question {
	out := make([]models.Question, len(questions))
	for i, q := range questions {
		out[i] = q
		out[i].Options = append([]string(nil), q.Options...)
	}
	return out
}
