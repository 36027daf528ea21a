package services

import (
	"context"
	"math"
	"sort"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// Reasons for a recommended difficulty
const (
	DifficultyRaised    = "raised"
	DifficultyLowered   = "lowered"
	DifficultyKept      = "kept"
	DifficultyNoHistory = "no_history"
)

// ProgressAnalysis is the recommendation for a user's next lesson
type ProgressAnalysis struct {
	UserID                string             `json:"user_id"`
	SampleSize            int                `json:"sample_size"`
	RecentAverage         float64            `json:"recent_average"`
	BaseDifficulty        int                `json:"base_difficulty"`
	RecommendedDifficulty int                `json:"recommended_difficulty"`
	DifficultyReason      string             `json:"difficulty_reason"`
	RecommendedTopicID    string             `json:"recommended_topic_id"`
	TopicReason           string             `json:"topic_reason"`
	TopicScores           map[string]float64 `json:"topic_scores,omitempty"`
}

// ProgressAnalyzerInterface picks topic and difficulty from a user's history
type ProgressAnalyzerInterface interface {
	Analyze(ctx context.Context, userID string, baseDifficulty int) (*ProgressAnalysis, error)
	Topics(ctx context.Context) ([]models.Topic, error)
	Invalidate(ctx context.Context, userID string)
}

// ProgressAnalyzer implements ProgressAnalyzerInterface over a LessonStoreInterface
type ProgressAnalyzer struct {
	cfg      config.GenerationConfig
	cacheCfg config.CacheConfig
	store    LessonStoreInterface
	cache    CacheInterface
	logger   *observability.Logger
}

// NewProgressAnalyzer creates a ProgressAnalyzer
func NewProgressAnalyzer(cfg config.GenerationConfig, cacheCfg config.CacheConfig, store LessonStoreInterface, cache CacheInterface, logger *observability.Logger) *ProgressAnalyzer {
	return &ProgressAnalyzer{cfg: cfg, cacheCfg: cacheCfg, store: store, cache: cache, logger: logger}
}

// Topics returns all topics, cached for TopicsTTL
func (p *ProgressAnalyzer) Topics(ctx context.Context) ([]models.Topic, error) {
	return GetOrLoad(ctx, p.cache, cacheKeyTopics, p.cacheCfg.TopicsTTL, p.store.ListTopics)
}

// Invalidate drops the cached analyses of userID
func (p *ProgressAnalyzer) Invalidate(ctx context.Context, userID string) {
	for d := models.MinDifficulty; d <= models.MaxDifficulty; d++ {
		if err := p.cache.Delete(ctx, progressCacheKey(userID, d)); err != nil {
			p.logger.Warn(ctx, "Failed to invalidate progress cache", map[string]interface{}{"user_id": userID, "error": err.Error()})
		}
	}
}

func progressCacheKey(userID string, base int) string {
	return cacheKeyProgress + userID + ":" + DifficultyLabel(base)
}

// Analyze recommends the next topic and difficulty for userID.
// baseDifficulty is the level the recommendation moves from.
func (p *ProgressAnalyzer) Analyze(ctx context.Context, userID string, baseDifficulty int) (result *ProgressAnalysis, err error) {
	base := models.ClampDifficulty(baseDifficulty)
	ctx, span := observability.TraceGenerationFunction(ctx, "analyze_progress",
		observability.AttributeUserID(userID),
		observability.AttributeDifficulty(base),
	)
	defer observability.FinishSpan(span, &err)

	result, err = GetOrLoad(ctx, p.cache, progressCacheKey(userID, base), p.cacheCfg.ProgressTTL, func(ctx context.Context) (*ProgressAnalysis, error) {
		return p.analyze(ctx, userID, base)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("progress.topic", result.RecommendedTopicID),
		attribute.Int("progress.difficulty", result.RecommendedDifficulty),
		attribute.String("progress.reason", result.DifficultyReason),
	)
	return result, nil
}

func (p *ProgressAnalyzer) analyze(ctx context.Context, userID string, base int) (*ProgressAnalysis, error) {
	recent, err := p.store.RecentScores(ctx, userID, p.cfg.RecentScoresWindow)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load recent scores")
	}
	topicScores, err := p.store.TopicScores(ctx, userID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load topic scores")
	}
	topics, err := p.Topics(ctx)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load topics")
	}

	analysis := &ProgressAnalysis{
		UserID:         userID,
		SampleSize:     len(recent),
		BaseDifficulty: base,
		TopicScores:    topicScores,
	}
	analysis.RecommendedDifficulty, analysis.DifficultyReason, analysis.RecentAverage = p.recommendDifficulty(recent, base)

	topicID, reason, ok := recommendTopic(topics, topicScores)
	if !ok {
		return nil, contextutils.WrapError(contextutils.ErrRecordNotFound, "no topics available")
	}
	analysis.RecommendedTopicID = topicID
	analysis.TopicReason = reason
	return analysis, nil
}

// recommendDifficulty moves base one level by the average of recent scores
func (p *ProgressAnalyzer) recommendDifficulty(recent []models.ScoreRecord, base int) (int, string, float64) {
	if len(recent) == 0 {
		return base, DifficultyNoHistory, 0
	}
	var sum float64
	for _, r := range recent {
		sum += r.Score
	}
	avg := math.Round(sum/float64(len(recent))*100) / 100

	switch {
	case avg >= p.cfg.RaiseThreshold && base < models.MaxDifficulty:
		return base + 1, DifficultyRaised, avg
	case avg <= p.cfg.LowerThreshold && base > models.MinDifficulty:
		return base - 1, DifficultyLowered, avg
	default:
		return base, DifficultyKept, avg
	}
}

// recommendTopic picks the first unstudied topic, else the weakest studied one
func recommendTopic(topics []models.Topic, scores map[string]float64) (string, string, bool) {
	if len(topics) == 0 {
		return "", "", false
	}
	for _, t := range topics {
		if _, studied := scores[t.ID]; !studied {
			return t.ID, "unstudied", true
		}
	}

	ordered := make([]models.Topic, len(topics))
	copy(ordered, topics)
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].ID] < scores[ordered[j].ID]
	})
	return ordered[0].ID, "weakest", true
}
