package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services/providers"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// GenerationDetails describes how a lesson was produced
type GenerationDetails struct {
	Provider        string                    `json:"provider"`
	LoadBalancer    LoadBalancerDiagnostics   `json:"loadBalancer"`
	ValidationScore int                       `json:"validationScore"`
	Distribution    models.AnswerDistribution `json:"distribution"`
	Shuffled        bool                      `json:"shuffled"`
	Shared          bool                      `json:"shared,omitempty"`
}

// DistributionTestRequest asks for a validation and repair dry run. When
// Questions is empty a batch is generated for TopicID without being stored.
type DistributionTestRequest struct {
	TopicID       string            `json:"topic_id"`
	Difficulty    int               `json:"difficulty"`
	QuestionCount int               `json:"question_count"`
	Strategy      string            `json:"strategy,omitempty"`
	Questions     []models.Question `json:"questions,omitempty"`
}

// DistributionTestReport is the outcome of a distribution dry run
type DistributionTestReport struct {
	Provider string                  `json:"provider,omitempty"`
	Before   models.ValidationReport `json:"before"`
	After    models.ValidationReport `json:"after"`
	Repaired bool                    `json:"repaired"`
	Target   []int                   `json:"target"`
}

// GenerationStats aggregates the admission and routing state of the pipeline
type GenerationStats struct {
	RateLimiter RateLimiterStats        `json:"rateLimiter"`
	Queue       GenerationQueueStats    `json:"queue"`
	Providers   []models.ProviderStatus `json:"providers"`
}

// GenerationServiceInterface is the lesson generation surface used by handlers and the CLI
type GenerationServiceInterface interface {
	GenerateLesson(ctx context.Context, req models.GenerationRequest) *models.GenerationResult
	GetLesson(ctx context.Context, lessonID string) (*models.Lesson, error)
	RecordScore(ctx context.Context, score *models.ScoreRecord) error
	Topics(ctx context.Context) ([]models.Topic, error)
	AnalyzeProgress(ctx context.Context, userID string, baseDifficulty int) (*ProgressAnalysis, error)
	DistributionTest(ctx context.Context, req DistributionTestRequest) (*DistributionTestReport, error)
	TestConnections(ctx context.Context) models.ConnectionReport
	ClearUser(userID string) bool
	ClearAll() ClearAllResult
	Stats() GenerationStats
}

// OrchestratorDeps are the collaborators of a GenerationOrchestrator
type OrchestratorDeps struct {
	Limiter   *RateLimiter
	Queue     *GenerationQueue
	Balancer  LoadBalancerInterface
	Validator ContentValidatorInterface
	Store     LessonStoreInterface
	Cache     CacheInterface
	Progress  ProgressAnalyzerInterface
	Notifier  NotifierInterface
	Templates *PromptTemplates
	Clock     contextutils.Clock
	Metrics   *observability.Metrics
}

// GenerationOrchestrator drives a request through admission, generation,
// validation and persistence
type GenerationOrchestrator struct {
	cfg           config.GenerationConfig
	validationCfg config.ValidationConfig
	cacheCfg      config.CacheConfig
	deps          OrchestratorDeps
	logger        *observability.Logger

	flights  singleflight.Group
	notifyWG sync.WaitGroup
}

var _ GenerationServiceInterface = (*GenerationOrchestrator)(nil)

// NewGenerationOrchestrator creates an orchestrator. A nil clock uses the wall clock.
func NewGenerationOrchestrator(cfg *config.Config, deps OrchestratorDeps, logger *observability.Logger) *GenerationOrchestrator {
	if deps.Clock == nil {
		deps.Clock = contextutils.SystemClock{}
	}
	return &GenerationOrchestrator{
		cfg:           cfg.Generation,
		validationCfg: cfg.Validation,
		cacheCfg:      cfg.Cache,
		deps:          deps,
		logger:        logger.Component("orchestrator"),
	}
}

// generationRun tracks one request through the state machine. A cancelled
// caller can finish the run while its admitted task is still moving it.
type generationRun struct {
	o       *GenerationOrchestrator
	span    trace.Span
	userID  string
	started time.Time

	mu    sync.Mutex
	state models.GenerationState
}

func (r *generationRun) to(ctx context.Context, next models.GenerationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transition(ctx, next)
}

// transition moves to next. Caller holds r.mu.
func (r *generationRun) transition(ctx context.Context, next models.GenerationState) {
	fields := map[string]interface{}{
		"user_id": r.userID,
		"from":    string(r.state),
		"to":      string(next),
	}
	if !r.state.CanTransition(next) {
		r.o.logger.Warn(ctx, "Unexpected generation state transition", fields)
	} else {
		r.o.logger.Debug(ctx, "Generation state", fields)
	}
	r.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(r.state)),
		attribute.String("to", string(next)),
	))
	r.state = next
}

// finish moves the run to the result's terminal state and returns res
func (r *generationRun) finish(ctx context.Context, res *models.GenerationResult) *models.GenerationResult {
	r.mu.Lock()
	switch {
	case res.Success:
		r.state = models.StatePersisted
	case r.state != models.StateFailed:
		// shared flights report the rejection state they reached
		if res.State == models.StateRejected && r.state != models.StateRejected {
			r.state = models.StateRejected
		}
		r.transition(ctx, models.StateFailed)
	}
	res.State = r.state
	r.mu.Unlock()

	r.span.SetAttributes(
		attribute.String("generation.state", string(res.State)),
		attribute.Int("generation.status_code", res.StatusCode),
		attribute.Bool("generation.cached", res.Cached),
	)
	if res.Reason != "" {
		r.span.SetAttributes(attribute.String("generation.reason", res.Reason))
	}
	r.o.deps.Metrics.RecordGeneration(ctx, string(res.State), r.o.deps.Clock.Now().Sub(r.started))
	return res
}

func (r *generationRun) fail(ctx context.Context, err error) *models.GenerationResult {
	r.o.logger.Warn(ctx, "Generation failed", map[string]interface{}{
		"user_id": r.userID,
		"error":   err.Error(),
	})
	return r.finish(ctx, NewFailureResult(err))
}

// GenerateLesson runs one generation request to a terminal state. All
// outcomes, including admission rejections, are returned as results.
func (o *GenerationOrchestrator) GenerateLesson(ctx context.Context, req models.GenerationRequest) *models.GenerationResult {
	ctx, span := observability.TraceGenerationFunction(ctx, "generate_lesson", observability.AttributeUserID(req.UserID))
	defer span.End()

	run := &generationRun{o: o, span: span, userID: req.UserID, started: o.deps.Clock.Now(), state: models.StateRequested}
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	req, topic, err := o.resolveRequest(ctx, req)
	if err != nil {
		return run.fail(ctx, err)
	}
	span.SetAttributes(
		observability.AttributeTopicID(req.TopicID),
		observability.AttributeDifficulty(req.Difficulty),
		attribute.Int("generation.question_count", req.QuestionCount),
	)
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return run.fail(ctx, err)
	}

	cacheKey := ""
	if !req.Fresh {
		cacheKey = LessonCacheKey(req.TopicID, req.Difficulty, req.Goal)
		if lesson := o.cachedLesson(ctx, cacheKey); lesson != nil {
			o.attachLesson(ctx, req, lesson)
			return run.finish(ctx, lessonResult(lesson, nil, true))
		}
	}

	run.to(ctx, models.StateQueued)
	res := o.deps.Limiter.RequestGeneration(ctx, req.UserID, func(ctx context.Context) (*models.GenerationResult, error) {
		if cacheKey == "" {
			return o.deps.Queue.Add(ctx, req.UserID, func(ctx context.Context) (*models.GenerationResult, error) {
				return o.generate(ctx, run, req, topic, strategy, cacheKey), nil
			})
		}
		// the flight outlives any single caller so followers are not cancelled with the leader
		flightCtx := context.WithoutCancel(ctx)
		v, err, shared := o.flights.Do(cacheKey, func() (interface{}, error) {
			return o.deps.Queue.Add(flightCtx, req.UserID, func(ctx context.Context) (*models.GenerationResult, error) {
				return o.generate(ctx, run, req, topic, strategy, cacheKey), nil
			})
		})
		if err != nil {
			return nil, err
		}
		// callers of a shared flight each get their own copy of the result
		out := *v.(*models.GenerationResult)
		if shared && out.Success && out.Lesson != nil && out.Lesson.UserID != req.UserID {
			o.attachLesson(ctx, req, out.Lesson)
			out.Cached = true
			out.Data = nil
		}
		return &out, nil
	})

	return run.finish(ctx, res)
}

// resolveRequest fills defaults and lets progress analysis choose missing topic and level
func (o *GenerationOrchestrator) resolveRequest(ctx context.Context, req models.GenerationRequest) (models.GenerationRequest, *models.Topic, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return req, nil, contextutils.WrapError(contextutils.ErrInvalidInput, "user id is required")
	}
	if req.QuestionCount <= 0 {
		req.QuestionCount = o.cfg.QuestionCount
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.deps.Clock.Now()
	}

	if req.TopicID == "" || req.Difficulty == 0 {
		base := req.Difficulty
		if base == 0 {
			base = o.cfg.DefaultDifficulty
		}
		analysis, err := o.deps.Progress.Analyze(ctx, req.UserID, base)
		if err != nil {
			return req, nil, contextutils.WrapError(err, "failed to analyze progress")
		}
		if req.TopicID == "" {
			req.TopicID = analysis.RecommendedTopicID
		}
		if req.Difficulty == 0 {
			req.Difficulty = analysis.RecommendedDifficulty
		}
		o.logger.Info(ctx, "Progress analysis selected lesson parameters", map[string]interface{}{
			"user_id":        req.UserID,
			"topic_id":       req.TopicID,
			"difficulty":     req.Difficulty,
			"topic_reason":   analysis.TopicReason,
			"level_reason":   analysis.DifficultyReason,
			"recent_average": analysis.RecentAverage,
		})
	}
	req.Difficulty = models.ClampDifficulty(req.Difficulty)

	topic, err := o.deps.Store.GetTopic(ctx, req.TopicID)
	if err != nil {
		return req, nil, err
	}
	return req, topic, nil
}

// cachedLesson returns a recent lesson generated for cacheKey, if any
func (o *GenerationOrchestrator) cachedLesson(ctx context.Context, cacheKey string) *models.Lesson {
	var lessonID string
	if hit, err := o.deps.Cache.Get(ctx, cacheKeyLesson+cacheKey, &lessonID); err != nil {
		o.logger.Warn(ctx, "Lesson cache lookup failed", map[string]interface{}{"error": err.Error()})
	} else if hit {
		if lesson, err := o.deps.Store.GetLesson(ctx, lessonID); err == nil {
			return lesson
		}
	}

	lesson, err := o.deps.Store.FindLessonByCacheKey(ctx, cacheKey)
	if err != nil {
		return nil
	}
	if o.cacheCfg.LessonTTL > 0 && o.deps.Clock.Now().Sub(lesson.CreatedAt) > o.cacheCfg.LessonTTL {
		return nil
	}
	full, err := o.deps.Store.GetLesson(ctx, lesson.ID)
	if err != nil {
		return nil
	}
	o.rememberLesson(ctx, full)
	return full
}

func (o *GenerationOrchestrator) rememberLesson(ctx context.Context, lesson *models.Lesson) {
	if lesson.CacheKey == "" {
		return
	}
	if err := o.deps.Cache.Set(ctx, cacheKeyLesson+lesson.CacheKey, lesson.ID, o.cacheCfg.LessonTTL); err != nil {
		o.logger.Warn(ctx, "Failed to cache lesson id", map[string]interface{}{"lesson_id": lesson.ID, "error": err.Error()})
	}
}

// attachLesson gives the requesting user a learning path entry for a deduplicated lesson
func (o *GenerationOrchestrator) attachLesson(ctx context.Context, req models.GenerationRequest, lesson *models.Lesson) {
	if lesson.UserID == req.UserID {
		return
	}
	entry := &models.LearningPathEntry{UserID: req.UserID, LessonID: lesson.ID, TopicID: lesson.TopicID, Difficulty: lesson.Difficulty}
	if err := o.deps.Store.CreateLearningPathEntry(ctx, entry); err != nil {
		o.logger.Error(ctx, "Failed to attach deduplicated lesson", err, map[string]interface{}{
			"user_id":   req.UserID,
			"lesson_id": lesson.ID,
		})
	}
}

func (o *GenerationOrchestrator) buildPrompt(req models.GenerationRequest, topic *models.Topic) (string, error) {
	return o.deps.Templates.RenderLessonPrompt(NewLessonPromptData(req, topic, o.validationCfg.MinContentLength))
}

func (o *GenerationOrchestrator) generateOptions(strategy Strategy) LoadBalancerOptions {
	return LoadBalancerOptions{
		GenerateOptions: providers.GenerateOptions{SystemPrompt: LessonGenerationSystemMsg, JSONMode: true},
		Strategy:        strategy,
	}
}

// generate is the admitted part of a request: provider call, validation and persistence
func (o *GenerationOrchestrator) generate(ctx context.Context, run *generationRun, req models.GenerationRequest, topic *models.Topic, strategy Strategy, cacheKey string) *models.GenerationResult {
	run.to(ctx, models.StateInFlight)
	prompt, err := o.buildPrompt(req, topic)
	if err != nil {
		return NewFailureResult(err)
	}
	provided, err := o.deps.Balancer.GenerateJSONContent(ctx, prompt, o.generateOptions(strategy))
	if err != nil {
		return NewFailureResult(err)
	}

	run.to(ctx, models.StateValidating)
	payload, schemaIssues, err := DecodeLessonPayload(provided.JSON)
	if err != nil {
		return NewFailureResult(err)
	}
	if len(schemaIssues) > 0 {
		run.to(ctx, models.StateRejected)
		o.deps.Metrics.RecordValidation(ctx, "rejected")
		return rejectionResult(schemaIssues, "Provider output did not match the lesson schema")
	}

	questions := payload.ToQuestions(o.cfg.QuestionScore, o.cfg.QuestionTimeLimit)
	if len(questions) > req.QuestionCount {
		questions = questions[:req.QuestionCount]
	}
	if len(questions) < req.QuestionCount {
		run.to(ctx, models.StateRejected)
		o.deps.Metrics.RecordValidation(ctx, "rejected")
		return rejectionResult([]models.ValidationIssue{{
			Kind:          models.IssueQuestionCount,
			Severity:      models.SeverityError,
			QuestionIndex: -1,
			Message:       fmt.Sprintf("expected %d questions, got %d", req.QuestionCount, len(questions)),
		}}, "Provider returned too few questions")
	}

	report := o.deps.Validator.ValidateBatch(ctx, questions)
	shuffled := false
	if o.validationCfg.EnableRepair && len(report.Issues) > 0 && !report.HasStructuralErrors() {
		repair := o.deps.Validator.RepairDistribution(ctx, questions)
		if repair.Shuffled {
			questions, report, shuffled = repair.Questions, repair.After, true
			run.to(ctx, models.StateRepaired)
		}
	}
	if !report.IsValid {
		run.to(ctx, models.StateRejected)
		o.deps.Metrics.RecordValidation(ctx, "rejected")
		return rejectionResult(report.Issues, "Generated lesson failed validation")
	}
	if shuffled {
		o.deps.Metrics.RecordValidation(ctx, "repaired")
	} else {
		o.deps.Metrics.RecordValidation(ctx, "valid")
	}

	lesson := &models.Lesson{
		UserID:     req.UserID,
		Title:      lessonTitle(payload.Title, topic, req.Difficulty),
		TopicID:    req.TopicID,
		Difficulty: req.Difficulty,
		Shuffled:   shuffled,
		Provider:   provided.Provider,
		CacheKey:   cacheKey,
	}
	if err := o.persist(ctx, lesson, o.deps.Validator.NormalizeBatch(questions)); err != nil {
		return NewFailureResult(err)
	}
	run.to(ctx, models.StatePersisted)
	o.rememberLesson(ctx, lesson)
	o.notifyAsync(ctx, lesson)

	return lessonResult(lesson, &GenerationDetails{
		Provider:        provided.Provider,
		LoadBalancer:    provided.Diagnostics,
		ValidationScore: report.Score,
		Distribution:    report.Distribution,
		Shuffled:        shuffled,
	}, false)
}

func lessonTitle(title string, topic *models.Topic, difficulty int) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	name := ""
	if topic != nil {
		name = topic.Name
	}
	return fmt.Sprintf("%s (%s)", name, DifficultyLabel(difficulty))
}

func rejectionResult(issues []models.ValidationIssue, message string) *models.GenerationResult {
	res := NewFailureResult(contextutils.WrapError(contextutils.ErrValidationRejected, message))
	res.Message = message
	res.Issues = issues
	res.State = models.StateRejected
	return res
}

func lessonResult(lesson *models.Lesson, details *GenerationDetails, cached bool) *models.GenerationResult {
	res := &models.GenerationResult{
		Success:    true,
		StatusCode: http.StatusOK,
		Message:    "Lesson generated",
		Cached:     cached,
		Lesson:     lesson,
		State:      models.StatePersisted,
	}
	if cached {
		res.Message = "Lesson served from cache"
	}
	if details != nil {
		res.Data = details
	}
	return res
}

// persist stores the lesson and its questions, rolling the lesson back when
// the questions cannot be stored
func (o *GenerationOrchestrator) persist(ctx context.Context, lesson *models.Lesson, questions []models.Question) (err error) {
	ctx, span := observability.TraceGenerationFunction(ctx, "persist_lesson",
		observability.AttributeUserID(lesson.UserID),
		observability.AttributeTopicID(lesson.TopicID),
	)
	defer observability.FinishSpan(span, &err)

	if err := o.deps.Store.CreateLesson(ctx, lesson); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrPersistenceFailed, "failed to create lesson: %v", err)
	}
	saved, err := o.deps.Store.CreateQuestions(ctx, lesson.ID, questions)
	if err != nil {
		if rbErr := o.deps.Store.DeleteLesson(ctx, lesson.ID); rbErr != nil {
			o.logger.Error(ctx, "Failed to roll back lesson", rbErr, map[string]interface{}{"lesson_id": lesson.ID})
		}
		span.SetAttributes(attribute.Bool("lesson.rolled_back", true))
		return contextutils.WrapErrorf(contextutils.ErrPersistenceFailed, "failed to create questions: %v", err)
	}
	lesson.Questions = saved

	entry := &models.LearningPathEntry{UserID: lesson.UserID, LessonID: lesson.ID, TopicID: lesson.TopicID, Difficulty: lesson.Difficulty}
	if err := o.deps.Store.CreateLearningPathEntry(ctx, entry); err != nil {
		o.logger.Error(ctx, "Failed to create learning path entry", err, map[string]interface{}{"lesson_id": lesson.ID})
	}
	if err := o.deps.Store.IncrementTopicStat(ctx, lesson.TopicID); err != nil {
		o.logger.Error(ctx, "Failed to update topic stats", err, map[string]interface{}{"topic_id": lesson.TopicID})
	}

	o.logger.Info(ctx, "Lesson persisted", map[string]interface{}{
		"lesson_id":  lesson.ID,
		"user_id":    lesson.UserID,
		"topic_id":   lesson.TopicID,
		"difficulty": lesson.Difficulty,
		"questions":  len(saved),
		"shuffled":   lesson.Shuffled,
	})
	return nil
}

// notifyAsync tells the user the lesson is ready. Failures are only logged.
func (o *GenerationOrchestrator) notifyAsync(ctx context.Context, lesson *models.Lesson) {
	if o.deps.Notifier == nil {
		return
	}
	n := models.Notification{
		Title:   "Your new lesson is ready",
		Message: fmt.Sprintf("%s is ready with %d questions.", lesson.Title, len(lesson.Questions)),
		Type:    models.NotificationTypeLessonReady,
		Link:    "/lessons/" + lesson.ID,
	}
	userID := lesson.UserID
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.NotificationTimeout)

	o.notifyWG.Add(1)
	go func() {
		defer o.notifyWG.Done()
		defer cancel()
		if err := o.deps.Notifier.Notify(notifyCtx, userID, n); err != nil {
			o.logger.Error(notifyCtx, "Failed to send lesson notification", err, map[string]interface{}{
				"user_id":   userID,
				"lesson_id": lesson.ID,
			})
		}
	}()
}

// GetLesson returns a stored lesson
func (o *GenerationOrchestrator) GetLesson(ctx context.Context, lessonID string) (*models.Lesson, error) {
	return o.deps.Store.GetLesson(ctx, lessonID)
}

// RecordScore stores a completed lesson score and refreshes the user's progress analysis
func (o *GenerationOrchestrator) RecordScore(ctx context.Context, score *models.ScoreRecord) (err error) {
	ctx, span := observability.TraceGenerationFunction(ctx, "record_score", observability.AttributeUserID(score.UserID))
	defer observability.FinishSpan(span, &err)

	if score.UserID == "" || score.LessonID == "" {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "user id and lesson id are required")
	}
	if score.Score < 0 || score.Score > 100 {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "score %.1f is outside 0..100", score.Score)
	}
	if score.TopicID == "" {
		lesson, err := o.deps.Store.GetLesson(ctx, score.LessonID)
		if err != nil {
			return err
		}
		score.TopicID = lesson.TopicID
	}
	if err := o.deps.Store.RecordScore(ctx, score); err != nil {
		return err
	}
	o.deps.Progress.Invalidate(ctx, score.UserID)
	return nil
}

// Topics returns the available topics
func (o *GenerationOrchestrator) Topics(ctx context.Context) ([]models.Topic, error) {
	return o.deps.Progress.Topics(ctx)
}

// AnalyzeProgress returns the recommendation for a user's next lesson
func (o *GenerationOrchestrator) AnalyzeProgress(ctx context.Context, userID string, baseDifficulty int) (*ProgressAnalysis, error) {
	if baseDifficulty == 0 {
		baseDifficulty = o.cfg.DefaultDifficulty
	}
	return o.deps.Progress.Analyze(ctx, userID, baseDifficulty)
}

// DistributionTest validates and repairs a batch without storing it
func (o *GenerationOrchestrator) DistributionTest(ctx context.Context, req DistributionTestRequest) (result *DistributionTestReport, err error) {
	ctx, span := observability.TraceGenerationFunction(ctx, "distribution_test", observability.AttributeTopicID(req.TopicID))
	defer observability.FinishSpan(span, &err)

	report := &DistributionTestReport{}
	questions := req.Questions
	if len(questions) == 0 {
		if req.TopicID == "" {
			return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "topic id or questions are required")
		}
		strategy, err := ParseStrategy(req.Strategy)
		if err != nil {
			return nil, err
		}
		topic, err := o.deps.Store.GetTopic(ctx, req.TopicID)
		if err != nil {
			return nil, err
		}
		genReq := models.GenerationRequest{TopicID: req.TopicID, Difficulty: req.Difficulty, QuestionCount: req.QuestionCount}
		if genReq.Difficulty == 0 {
			genReq.Difficulty = o.cfg.DefaultDifficulty
		}
		if genReq.QuestionCount <= 0 {
			genReq.QuestionCount = o.cfg.QuestionCount
		}
		prompt, err := o.buildPrompt(genReq, topic)
		if err != nil {
			return nil, err
		}
		provided, err := o.deps.Balancer.GenerateJSONContent(ctx, prompt, o.generateOptions(strategy))
		if err != nil {
			return nil, err
		}
		payload, issues, err := DecodeLessonPayload(provided.JSON)
		if err != nil {
			return nil, err
		}
		report.Provider = provided.Provider
		if len(issues) > 0 {
			report.Before = models.ValidationReport{Issues: issues}
			report.After = report.Before
			return report, nil
		}
		questions = payload.ToQuestions(o.cfg.QuestionScore, o.cfg.QuestionTimeLimit)
	}

	repair := o.deps.Validator.RepairDistribution(ctx, questions)
	report.Before = repair.Before
	report.After = repair.After
	report.Repaired = repair.Shuffled
	target := TargetDistribution(len(questions))
	report.Target = target[:]
	return report, nil
}

// TestConnections checks every provider
func (o *GenerationOrchestrator) TestConnections(ctx context.Context) models.ConnectionReport {
	return o.deps.Balancer.TestAllConnections(ctx)
}

// ClearUser force-unlocks one user
func (o *GenerationOrchestrator) ClearUser(userID string) bool {
	return o.deps.Limiter.ClearUser(userID)
}

// ClearAll rejects queued requests and unlocks every user
func (o *GenerationOrchestrator) ClearAll() ClearAllResult {
	res := o.deps.Limiter.ClearAll()
	res.ItemsRejected += o.deps.Queue.Clear()
	return res
}

// Stats reports limiter, queue and provider state
func (o *GenerationOrchestrator) Stats() GenerationStats {
	return GenerationStats{
		RateLimiter: o.deps.Limiter.Stats(),
		Queue:       o.deps.Queue.Stats(),
		Providers:   o.deps.Balancer.Stats(),
	}
}

// Shutdown waits for pending notifications
func (o *GenerationOrchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return contextutils.WrapError(contextutils.ErrTimeout, "timed out waiting for notifications")
	}
}
