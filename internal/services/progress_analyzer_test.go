package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenerationConfig() config.GenerationConfig {
	return config.GenerationConfig{
		QuestionCount:      10,
		DefaultDifficulty:  3,
		RecentScoresWindow: 3,
		RaiseThreshold:     80,
		LowerThreshold:     50,
		QuestionScore:      10,
		QuestionTimeLimit:  30,
	}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{Backend: "memory", DefaultTTL: time.Minute, TopicsTTL: time.Minute, ProgressTTL: time.Minute, LessonTTL: time.Hour}
}

func newTestAnalyzer(store LessonStoreInterface) (*ProgressAnalyzer, *MemoryCache) {
	cache := NewMemoryCache(testCacheConfig(), contextutils.SystemClock{})
	return NewProgressAnalyzer(testGenerationConfig(), testCacheConfig(), store, cache, newTestLogger()), cache
}

func recordScores(t *testing.T, store *MemoryLessonStore, userID, topicID string, scores ...float64) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, s := range scores {
		require.NoError(t, store.RecordScore(context.Background(), &models.ScoreRecord{
			UserID:      userID,
			LessonID:    fmt.Sprintf("%s-%d", topicID, i),
			TopicID:     topicID,
			Score:       s,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func threeTopics() []models.Topic {
	return []models.Topic{{ID: "a", Name: "Algebra"}, {ID: "b", Name: "Biology"}, {ID: "c", Name: "Chemistry"}}
}

func TestProgressAnalyzer_Difficulty(t *testing.T) {
	tests := []struct {
		name       string
		scores     []float64
		base       int
		wantLevel  int
		wantReason string
	}{
		{"no history", nil, 3, 3, DifficultyNoHistory},
		{"high scores raise", []float64{90, 85, 80}, 3, 4, DifficultyRaised},
		{"low scores lower", []float64{40, 50, 30}, 3, 2, DifficultyLowered},
		{"middle keeps", []float64{60, 70, 65}, 3, 3, DifficultyKept},
		{"raise clamps at max", []float64{100, 100, 100}, 5, 5, DifficultyKept},
		{"lower clamps at min", []float64{0, 0, 0}, 1, 1, DifficultyKept},
		// only the newest window of three counts
		{"window is recent only", []float64{0, 0, 90, 90, 90}, 2, 3, DifficultyRaised},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryLessonStore(threeTopics()...)
			recordScores(t, store, "u1", "a", tt.scores...)
			analyzer, _ := newTestAnalyzer(store)

			got, err := analyzer.Analyze(context.Background(), "u1", tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, got.RecommendedDifficulty)
			assert.Equal(t, tt.wantReason, got.DifficultyReason)
		})
	}
}

func TestProgressAnalyzer_TopicSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("unstudied first", func(t *testing.T) {
		store := NewMemoryLessonStore(threeTopics()...)
		recordScores(t, store, "u1", "a", 20)
		analyzer, _ := newTestAnalyzer(store)

		got, err := analyzer.Analyze(ctx, "u1", 3)
		require.NoError(t, err)
		assert.Equal(t, "b", got.RecommendedTopicID)
		assert.Equal(t, "unstudied", got.TopicReason)
	})

	t.Run("weakest when all studied", func(t *testing.T) {
		store := NewMemoryLessonStore(threeTopics()...)
		recordScores(t, store, "u1", "a", 90)
		recordScores(t, store, "u1", "b", 40)
		recordScores(t, store, "u1", "c", 70)
		analyzer, _ := newTestAnalyzer(store)

		got, err := analyzer.Analyze(ctx, "u1", 3)
		require.NoError(t, err)
		assert.Equal(t, "b", got.RecommendedTopicID)
		assert.Equal(t, "weakest", got.TopicReason)
	})

	t.Run("no topics", func(t *testing.T) {
		analyzer, _ := newTestAnalyzer(NewMemoryLessonStore())
		_, err := analyzer.Analyze(ctx, "u1", 3)
		assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
	})
}

func TestProgressAnalyzer_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLessonStore(threeTopics()...)
	analyzer, _ := newTestAnalyzer(store)

	first, err := analyzer.Analyze(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, "a", first.RecommendedTopicID)

	recordScores(t, store, "u1", "a", 95)
	cached, err := analyzer.Analyze(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, "a", cached.RecommendedTopicID)

	analyzer.Invalidate(ctx, "u1")
	fresh, err := analyzer.Analyze(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, "b", fresh.RecommendedTopicID)
	assert.Equal(t, 4, fresh.RecommendedDifficulty)
}

func TestProgressAnalyzer_TopicsCached(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLessonStore(threeTopics()...)
	analyzer, _ := newTestAnalyzer(store)

	topics, err := analyzer.Topics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 3)

	require.NoError(t, store.UpsertTopic(ctx, &models.Topic{ID: "d", Name: "Drama"}))
	topics, err = analyzer.Topics(ctx)
	require.NoError(t, err)
	assert.Len(t, topics, 3)
}
