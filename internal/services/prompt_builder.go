package services

import (
	"embed"
	"encoding/json"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed templates/*.tmpl
var promptTemplatesFS embed.FS

//go:embed templates/*.html
var emailTemplatesFS embed.FS

// Template names as constants
const (
	LessonPromptTemplate      = "lesson_prompt.tmpl"
	LessonJSONFormatTemplate  = "lesson_json_format.tmpl"
	LessonReadyEmailTemplate  = "lesson_ready_email.html"
	LessonGenerationSystemMsg = "You write accurate multiple-choice lessons and answer only with valid JSON."
)

var difficultyLabels = map[int]string{
	1: "beginner",
	2: "elementary",
	3: "intermediate",
	4: "advanced",
	5: "expert",
}

// DifficultyLabel names a difficulty level
func DifficultyLabel(d int) string {
	return difficultyLabels[models.ClampDifficulty(d)]
}

// LessonPromptData holds data for rendering the lesson prompt
type LessonPromptData struct {
	TopicName        string
	TopicDescription string
	Subject          string
	Keywords         []string
	Difficulty       int
	DifficultyLabel  string
	QuestionCount    int
	Goal             string
	Hints            []string
	Context          string
	MinContentLength int
}

// NotificationTemplateData holds data for rendering notification emails
type NotificationTemplateData struct {
	Title   string
	Message string
	Link    string
}

// PromptTemplates renders embedded prompt and email templates
type PromptTemplates struct {
	prompts *template.Template
	emails  *htmltemplate.Template
}

// NewPromptTemplates parses the embedded templates
func NewPromptTemplates() (result0 *PromptTemplates, err error) {
	prompts, err := template.New("").Funcs(template.FuncMap{"join": strings.Join}).ParseFS(promptTemplatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to parse prompt templates")
	}
	emails, err := htmltemplate.New("").ParseFS(emailTemplatesFS, "templates/*.html")
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to parse email templates")
	}
	return &PromptTemplates{prompts: prompts, emails: emails}, nil
}

// NewLessonPromptData fills prompt data from a request and its topic
func NewLessonPromptData(req models.GenerationRequest, topic *models.Topic, minContentLength int) LessonPromptData {
	data := LessonPromptData{
		Difficulty:       models.ClampDifficulty(req.Difficulty),
		DifficultyLabel:  DifficultyLabel(req.Difficulty),
		QuestionCount:    req.QuestionCount,
		Goal:             strings.TrimSpace(req.Goal),
		Hints:            req.Hints,
		Context:          strings.TrimSpace(req.Context),
		MinContentLength: minContentLength,
	}
	if topic != nil {
		data.TopicName = topic.Name
		data.TopicDescription = topic.Description
		data.Subject = topic.Subject
		data.Keywords = topic.Keywords
	}
	if data.TopicName == "" {
		data.TopicName = req.TopicID
	}
	return data
}

// RenderLessonPrompt renders the lesson generation prompt
func (p *PromptTemplates) RenderLessonPrompt(data LessonPromptData) (string, error) {
	var buf strings.Builder
	if err := p.prompts.ExecuteTemplate(&buf, LessonPromptTemplate, data); err != nil {
		return "", contextutils.WrapError(err, "failed to render lesson prompt")
	}
	return buf.String(), nil
}

// RenderNotification renders the lesson-ready email body
func (p *PromptTemplates) RenderNotification(data NotificationTemplateData) (string, error) {
	var buf strings.Builder
	if err := p.emails.ExecuteTemplate(&buf, LessonReadyEmailTemplate, data); err != nil {
		return "", contextutils.WrapError(err, "failed to render notification email")
	}
	return buf.String(), nil
}

// lessonSchema checks the shape of provider output. Option count and answer
// resolution are left to the content validator so they are reported as issues.
const lessonSchema = `{
  "type": "object",
  "required": ["questions"],
  "properties": {
    "title": {"type": "string"},
    "questions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["content", "options", "correct_answer"],
        "properties": {
          "content": {"type": "string"},
          "options": {"type": "array", "items": {"type": "string"}},
          "correct_answer": {"type": "string"},
          "explanation": {"type": "string"}
        }
      }
    }
  }
}`

var lessonSchemaLoader = gojsonschema.NewStringLoader(lessonSchema)

// LessonPayload is the lesson JSON returned by a provider
type LessonPayload struct {
	Title     string            `json:"title"`
	Questions []PayloadQuestion `json:"questions"`
}

// PayloadQuestion is one provider-generated question
type PayloadQuestion struct {
	Content       string   `json:"content"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

// ValidateLessonSchema returns the schema violations of raw
func ValidateLessonSchema(raw json.RawMessage) ([]string, error) {
	result, err := gojsonschema.Validate(lessonSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrAIResponseInvalid, "schema validation failed: %v", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return violations, nil
}

// DecodeLessonPayload schema-checks and decodes raw. Violations are returned as issues.
func DecodeLessonPayload(raw json.RawMessage) (*LessonPayload, []models.ValidationIssue, error) {
	violations, err := ValidateLessonSchema(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(violations) > 0 {
		issues := make([]models.ValidationIssue, 0, len(violations))
		for _, v := range violations {
			issues = append(issues, models.ValidationIssue{
				Kind:          models.IssueSchemaMismatch,
				Severity:      models.SeverityError,
				QuestionIndex: -1,
				Message:       v,
			})
		}
		return nil, issues, nil
	}
	var payload LessonPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, newParseError("unexpected JSON shape", string(raw), err)
	}
	return &payload, nil, nil
}

// ToQuestions converts the payload into lesson questions
func (p *LessonPayload) ToQuestions(score, timeLimit int) []models.Question {
	out := make([]models.Question, 0, len(p.Questions))
	for _, q := range p.Questions {
		out = append(out, models.Question{
			Content:       strings.TrimSpace(q.Content),
			Options:       append([]string(nil), q.Options...),
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   strings.TrimSpace(q.Explanation),
			Score:         score,
			TimeLimit:     timeLimit,
		})
	}
	return out
}
