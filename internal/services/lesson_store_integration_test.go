//go:build integration

package services

import (
	"context"
	"os"
	"testing"

	"lessongen/internal/database"
	"lessongen/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *PostgresLessonStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	manager := database.NewManager(newTestLogger())
	require.NoError(t, manager.RunMigrations(ctx, url, "file://migrations"))

	db, err := manager.Open(ctx, database.DefaultDatabaseConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLessonStore(db, newTestLogger())
}

func TestPostgresLessonStore_Integration(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationStore(t)

	topic := &models.Topic{ID: "it-" + uuid.NewString(), Name: "Integration", Keywords: []string{"x"}}
	require.NoError(t, store.UpsertTopic(ctx, topic))

	lesson := &models.Lesson{UserID: "it-user", Title: "IT", TopicID: topic.ID, Difficulty: 3, CacheKey: uuid.NewString()}
	require.NoError(t, store.CreateLesson(ctx, lesson))
	_, err := store.CreateQuestions(ctx, lesson.ID, batchWithAnswers(0, 1, 2, 3))
	require.NoError(t, err)

	got, err := store.GetLesson(ctx, lesson.ID)
	require.NoError(t, err)
	require.Len(t, got.Questions, 4)
	assert.Len(t, got.Questions[0].Options, 4)

	byKey, err := store.FindLessonByCacheKey(ctx, lesson.CacheKey)
	require.NoError(t, err)
	assert.Equal(t, lesson.ID, byKey.ID)

	require.NoError(t, store.IncrementTopicStat(ctx, topic.ID))
	require.NoError(t, store.CreateLearningPathEntry(ctx, &models.LearningPathEntry{UserID: "it-user", LessonID: lesson.ID, TopicID: topic.ID, Difficulty: 3}))
	require.NoError(t, store.RecordScore(ctx, &models.ScoreRecord{UserID: "it-user", LessonID: lesson.ID, TopicID: topic.ID, Score: 80}))

	scores, err := store.TopicScores(ctx, "it-user")
	require.NoError(t, err)
	assert.InDelta(t, 80.0, scores[topic.ID], 0.001)

	require.NoError(t, store.DeleteLesson(ctx, lesson.ID))
	_, err = store.GetLesson(ctx, lesson.ID)
	assert.Error(t, err)
}
