package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/services/providers"
	contextutils "lessongen/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID string, n models.Notification) error {
	args := m.Called(ctx, userID, n)
	return args.Error(0)
}

// failingQuestionsStore fails every question insert and records rollbacks
type failingQuestionsStore struct {
	*MemoryLessonStore
	deleted []string
}

func (f *failingQuestionsStore) CreateQuestions(ctx context.Context, lessonID string, questions []models.Question) ([]models.Question, error) {
	return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, "insert into questions failed")
}

func (f *failingQuestionsStore) DeleteLesson(ctx context.Context, lessonID string) error {
	f.deleted = append(f.deleted, lessonID)
	return f.MemoryLessonStore.DeleteLesson(ctx, lessonID)
}

// gateProvider blocks every call until gate is closed. When ctxErrs is set it
// receives the call context's error once the gate opens.
type gateProvider struct {
	text    string
	started chan struct{}
	gate    chan struct{}
	ctxErrs chan error
}

func (g *gateProvider) Name() string { return "gated" }

func (g *gateProvider) Generate(ctx context.Context, prompt string, opts providers.GenerateOptions) (string, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.gate
	if g.ctxErrs != nil {
		g.ctxErrs <- ctx.Err()
	}
	return g.text, nil
}

type orchestratorFixture struct {
	o        *GenerationOrchestrator
	store    *MemoryLessonStore
	limiter  *RateLimiter
	queue    *GenerationQueue
	balancer *ProviderLoadBalancer
	notifier *mockNotifier
}

func testOrchestratorConfig() *config.Config {
	gen := testGenerationConfig()
	gen.QuestionCount = 4
	return &config.Config{
		Generation: gen,
		Validation: config.ValidationConfig{MinContentLength: 10, ConcentrationThreshold: 0.6, SpreadRatio: 0.5, EnableRepair: true},
		Cache:      testCacheConfig(),
	}
}

func newOrchestratorFixture(t *testing.T, store LessonStoreInterface, memory *MemoryLessonStore, entries ...BalancedProvider) *orchestratorFixture {
	t.Helper()
	cfg := testOrchestratorConfig()
	logger := newTestLogger()

	templates, err := NewPromptTemplates()
	require.NoError(t, err)
	cache := NewMemoryCache(cfg.Cache, nil)
	limiter := NewRateLimiter(config.RateLimiterConfig{MaxConcurrent: 2, MaxQueueSize: 10, QueueTimeout: time.Minute, SweepInterval: time.Minute}, nil, logger, nil)
	queue := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 2}, logger)
	balancer := newTestBalancer(t, testLBConfig("failover"), entries...)
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := NewGenerationOrchestrator(cfg, OrchestratorDeps{
		Limiter:   limiter,
		Queue:     queue,
		Balancer:  balancer,
		Validator: newTestValidator(),
		Store:     store,
		Cache:     cache,
		Progress:  NewProgressAnalyzer(cfg.Generation, cfg.Cache, store, cache, logger),
		Notifier:  notifier,
		Templates: templates,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		_ = limiter.Shutdown(ctx)
		_ = queue.Shutdown(ctx)
	})
	return &orchestratorFixture{o: o, store: memory, limiter: limiter, queue: queue, balancer: balancer, notifier: notifier}
}

func newMemoryFixture(t *testing.T, entries ...BalancedProvider) *orchestratorFixture {
	store := NewMemoryLessonStore(threeTopics()...)
	return newOrchestratorFixture(t, store, store, entries...)
}

// lessonJSON renders a provider response whose answers sit at the given option indexes
func lessonJSON(t *testing.T, answers ...int) string {
	t.Helper()
	payload := LessonPayload{Title: "Generated lesson"}
	for _, q := range batchWithAnswers(answers...) {
		payload.Questions = append(payload.Questions, PayloadQuestion{
			Content:       q.Content,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   "because",
		})
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return "Here is your lesson:\n```json\n" + string(data) + "\n```"
}

func (f *orchestratorFixture) waitForNotifications(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))
}

func TestOrchestrator_GeneratesAndPersistsLesson(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "b", Difficulty: 2, Goal: "cells"})

	require.True(t, res.Success, res.String())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, models.StatePersisted, res.State)
	assert.False(t, res.Cached)
	require.NotNil(t, res.Lesson)
	assert.Equal(t, "Generated lesson", res.Lesson.Title)
	assert.Equal(t, "P1", res.Lesson.Provider)
	assert.False(t, res.Lesson.Shuffled)
	require.Len(t, res.Lesson.Questions, 4)
	for _, q := range res.Lesson.Questions {
		assert.Contains(t, q.Options, q.CorrectAnswer)
		assert.Equal(t, 10, q.Score)
	}

	details, isDetails := res.Data.(*GenerationDetails)
	require.True(t, isDetails)
	assert.Equal(t, 100, details.ValidationScore)

	stored, err := f.store.GetLesson(context.Background(), res.Lesson.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Questions, 4)
	assert.Len(t, f.store.LearningPath("u1"), 1)
	assert.Equal(t, 1, f.store.TopicStat("b").LessonsCount)

	f.waitForNotifications(t)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, "u1", mock.MatchedBy(func(n models.Notification) bool {
		return n.Type == models.NotificationTypeLessonReady && n.Link == "/lessons/"+res.Lesson.ID
	}))
}

func TestOrchestrator_RepairsConcentratedAnswers(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 0, 0, 0)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})

	require.True(t, res.Success, res.String())
	assert.True(t, res.Lesson.Shuffled)

	var dist models.AnswerDistribution
	for _, q := range res.Lesson.Questions {
		idx := -1
		for j, opt := range q.Options {
			if opt == q.CorrectAnswer {
				idx = j
			}
		}
		require.GreaterOrEqual(t, idx, 0)
		dist.Add(idx)
	}
	assert.Equal(t, [4]int{1, 1, 1, 1}, dist.Counts())
}

func TestOrchestrator_RejectsStructurallyInvalidBatch(t *testing.T) {
	raw := `{"questions":[
		{"content":"Which planet is largest?","options":["Jupiter","Mars","Venus"],"correct_answer":"Jupiter"},
		{"content":"Which planet is smallest?","options":["Mercury","Mars","Venus","Earth"],"correct_answer":"Mercury"},
		{"content":"Which planet is red?","options":["Mercury","Mars","Venus","Earth"],"correct_answer":"Mars"},
		{"content":"Which planet is ours?","options":["Mercury","Mars","Venus","Earth"],"correct_answer":"Earth"}
	]}`
	p := newScriptedProvider("P1", ok(raw))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, string(contextutils.ErrorCodeValidationRejected), res.Reason)
	assert.True(t, res.Retryable)
	assert.Equal(t, models.StateFailed, res.State)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, models.IssueOptionCount, res.Issues[0].Kind)
	assert.Equal(t, 0, f.store.LessonCount())
}

func TestOrchestrator_RejectsSchemaMismatchAndShortBatches(t *testing.T) {
	tests := []struct {
		name     string
		response string
		kind     string
	}{
		{"schema", `{"title":"no questions here"}`, models.IssueSchemaMismatch},
		{"too few questions", lessonJSON(t, 0, 1), models.IssueQuestionCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newScriptedProvider("P1", ok(tt.response))
			f := newMemoryFixture(t, entry(p, 1, 1, 1))

			res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			require.NotEmpty(t, res.Issues)
			assert.Equal(t, tt.kind, res.Issues[0].Kind)
		})
	}
}

func TestOrchestrator_AllProvidersFailed(t *testing.T) {
	p1 := newScriptedProvider("P1", fail(contextutils.WrapError(contextutils.ErrAIRequestFailed, "boom")))
	p2 := newScriptedProvider("P2", ok("not json at all"))
	f := newMemoryFixture(t, entry(p1, 1, 1, 1), entry(p2, 2, 1, 1))

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, string(contextutils.ErrorCodeAllProvidersFailed), res.Reason)
	assert.True(t, res.Retryable)
	assert.Positive(t, res.RetryAfterSeconds)

	// the user is unlocked once the request resolves
	assert.Zero(t, f.limiter.Stats().ActiveUsers)
}

func TestOrchestrator_RollsBackLessonWhenQuestionsFail(t *testing.T) {
	memory := NewMemoryLessonStore(threeTopics()...)
	store := &failingQuestionsStore{MemoryLessonStore: memory}
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newOrchestratorFixture(t, store, memory, entry(p, 1, 1, 1))

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, string(contextutils.ErrorCodePersistenceFailed), res.Reason)
	require.Len(t, store.deleted, 1)
	assert.Equal(t, 0, memory.LessonCount())
	assert.Empty(t, memory.LearningPath("u1"))

	f.waitForNotifications(t)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_DeduplicatesIdenticalRequests(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))
	ctx := context.Background()

	first := f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 2, Goal: "Linear equations"})
	require.True(t, first.Success)

	second := f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u2", TopicID: "a", Difficulty: 2, Goal: "  linear equations "})
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Lesson.ID, second.Lesson.ID)
	assert.Equal(t, 1, p.Calls())
	require.Len(t, f.store.LearningPath("u2"), 1)
	assert.Equal(t, first.Lesson.ID, f.store.LearningPath("u2")[0].LessonID)

	fresh := f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u2", TopicID: "a", Difficulty: 2, Goal: "linear equations", Fresh: true})
	require.True(t, fresh.Success)
	assert.False(t, fresh.Cached)
	assert.NotEqual(t, first.Lesson.ID, fresh.Lesson.ID)
	assert.Equal(t, 2, p.Calls())
}

func TestOrchestrator_SameUserConcurrentRequestRejected(t *testing.T) {
	gp := &gateProvider{text: lessonJSON(t, 0, 1, 2, 3), started: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newMemoryFixture(t, BalancedProvider{Provider: gp, Descriptor: models.ProviderDescriptor{Name: "gated", Priority: 1, Weight: 1, MaxConcurrent: 5, Reliability: 1}})

	firstDone := make(chan *models.GenerationResult, 1)
	go func() {
		firstDone <- f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})
	}()
	select {
	case <-gp.started:
	case <-time.After(time.Second):
		t.Fatal("first request never reached the provider")
	}

	second := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "b", Difficulty: 3})
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, string(contextutils.ErrorCodeUserRequestInProgress), second.Reason)
	assert.True(t, second.Retryable)

	close(gp.gate)
	first := <-firstDone
	assert.True(t, first.Success, first.String())
}

func TestOrchestrator_CancelledLeaderDoesNotFailSharedGeneration(t *testing.T) {
	gp := &gateProvider{
		text:    lessonJSON(t, 0, 1, 2, 3),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
		ctxErrs: make(chan error, 1),
	}
	f := newMemoryFixture(t, BalancedProvider{Provider: gp, Descriptor: models.ProviderDescriptor{Name: "gated", Priority: 1, Weight: 1, MaxConcurrent: 5, Reliability: 1}})
	req := models.GenerationRequest{TopicID: "a", Difficulty: 2}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderReq := req
	leaderReq.UserID = "u1"
	leaderDone := make(chan *models.GenerationResult, 1)
	go func() { leaderDone <- f.o.GenerateLesson(leaderCtx, leaderReq) }()
	select {
	case <-gp.started:
	case <-time.After(time.Second):
		t.Fatal("leader never reached the provider")
	}

	followerReq := req
	followerReq.UserID = "u2"
	followerDone := make(chan *models.GenerationResult, 1)
	go func() { followerDone <- f.o.GenerateLesson(context.Background(), followerReq) }()
	require.Eventually(t, func() bool { return f.limiter.Stats().Running == 2 }, time.Second, 5*time.Millisecond)
	// let the follower join the in-flight generation
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	leader := <-leaderDone
	assert.False(t, leader.Success)
	assert.Equal(t, string(contextutils.ErrorCodeTimeout), leader.Reason)

	close(gp.gate)
	assert.NoError(t, <-gp.ctxErrs)
	follower := <-followerDone
	require.True(t, follower.Success, follower.String())
	require.NotNil(t, follower.Lesson)
	assert.True(t, follower.Cached)
	f.waitForNotifications(t)
}

func TestOrchestrator_ClearAllRejectsQueuedGenerationAsRetryable(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))

	release := make(chan struct{})
	blocker := func(ctx context.Context) (*models.GenerationResult, error) {
		<-release
		return &models.GenerationResult{Success: true}, nil
	}
	for _, user := range []string{"busy1", "busy2"} {
		go func(user string) { _, _ = f.queue.Add(context.Background(), user, blocker) }(user)
	}
	require.Eventually(t, func() bool { return f.queue.Stats().Running == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan *models.GenerationResult, 1)
	go func() {
		done <- f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 2})
	}()
	require.Eventually(t, func() bool { return f.queue.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	f.o.ClearAll()
	res := <-done
	close(release)

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, string(contextutils.ErrorCodeQueueCleared), res.Reason)
	assert.True(t, res.Retryable)
	assert.Positive(t, res.RetryAfterSeconds)
	assert.Equal(t, 0, p.Calls())
}

func TestOrchestrator_AutoSelectsTopicAndDifficulty(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))
	recordScores(t, f.store, "u1", "a", 90, 95, 85)

	res := f.o.GenerateLesson(context.Background(), models.GenerationRequest{UserID: "u1"})

	require.True(t, res.Success, res.String())
	assert.Equal(t, "b", res.Lesson.TopicID)
	assert.Equal(t, 4, res.Lesson.Difficulty)
}

func TestOrchestrator_RequestErrors(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))
	ctx := context.Background()

	res := f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, models.StateFailed, res.State)

	res = f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u1", TopicID: "missing", Difficulty: 2})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 2, Strategy: "coin_flip"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Zero(t, p.Calls())
}

func TestOrchestrator_RecordScoreRefreshesProgress(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 0, 1, 2, 3)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))
	ctx := context.Background()

	res := f.o.GenerateLesson(ctx, models.GenerationRequest{UserID: "u1", TopicID: "a", Difficulty: 3})
	require.True(t, res.Success)

	before, err := f.o.AnalyzeProgress(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", before.RecommendedTopicID)

	require.NoError(t, f.o.RecordScore(ctx, &models.ScoreRecord{UserID: "u1", LessonID: res.Lesson.ID, Score: 95}))
	after, err := f.o.AnalyzeProgress(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", after.RecommendedTopicID)
	assert.Equal(t, 4, after.RecommendedDifficulty)

	err = f.o.RecordScore(ctx, &models.ScoreRecord{UserID: "u1", LessonID: res.Lesson.ID, Score: 150})
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))
}

func TestOrchestrator_DistributionTest(t *testing.T) {
	p := newScriptedProvider("P1", ok(lessonJSON(t, 2, 2, 2, 2)))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))
	ctx := context.Background()

	report, err := f.o.DistributionTest(ctx, DistributionTestRequest{Questions: batchWithAnswers(0, 0, 0, 0, 0, 0, 0, 0, 0, 0)})
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, []int{3, 3, 2, 2}, report.Target)
	assert.Greater(t, report.After.Score, report.Before.Score)

	generated, err := f.o.DistributionTest(ctx, DistributionTestRequest{TopicID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "P1", generated.Provider)
	assert.True(t, generated.Repaired)
	assert.Zero(t, f.store.LessonCount())

	_, err = f.o.DistributionTest(ctx, DistributionTestRequest{})
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))
}

func TestOrchestrator_AdminOperations(t *testing.T) {
	p := newScriptedProvider("P1", ok("SUCCESS"))
	f := newMemoryFixture(t, entry(p, 1, 1, 1))

	report := f.o.TestConnections(context.Background())
	assert.Equal(t, 1, report.Connected)
	assert.Equal(t, 1, report.Total)

	stats := f.o.Stats()
	assert.Equal(t, 2, stats.RateLimiter.MaxConcurrent)
	assert.Equal(t, 2, stats.Queue.MaxConcurrent)
	require.Len(t, stats.Providers, 1)

	assert.False(t, f.o.ClearUser("nobody"))
	assert.Equal(t, ClearAllResult{}, f.o.ClearAll())
}
