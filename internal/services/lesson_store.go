package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"lessongen/internal/models"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

// LessonStoreInterface is the persistence the generation pipeline depends on
type LessonStoreInterface interface {
	CreateLesson(ctx context.Context, lesson *models.Lesson) error
	CreateQuestions(ctx context.Context, lessonID string, questions []models.Question) ([]models.Question, error)
	DeleteLesson(ctx context.Context, lessonID string) error
	GetLesson(ctx context.Context, lessonID string) (*models.Lesson, error)
	FindLessonByCacheKey(ctx context.Context, cacheKey string) (*models.Lesson, error)
	CreateLearningPathEntry(ctx context.Context, entry *models.LearningPathEntry) error
	IncrementTopicStat(ctx context.Context, topicID string) error
	ListTopics(ctx context.Context) ([]models.Topic, error)
	GetTopic(ctx context.Context, topicID string) (*models.Topic, error)
	UpsertTopic(ctx context.Context, topic *models.Topic) error
	RecordScore(ctx context.Context, score *models.ScoreRecord) error
	// RecentScores returns the user's latest scores, newest first
	RecentScores(ctx context.Context, userID string, limit int) ([]models.ScoreRecord, error)
	// TopicScores returns the user's average score per studied topic
	TopicScores(ctx context.Context, userID string) (map[string]float64, error)
}

// PostgresLessonStore implements LessonStoreInterface on postgres
type PostgresLessonStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewPostgresLessonStore creates a store on db
func NewPostgresLessonStore(db *sql.DB, logger *observability.Logger) *PostgresLessonStore {
	return &PostgresLessonStore{db: db, logger: logger}
}

func queryError(err error, what string) error {
	return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to %s: %v", what, err)
}

// CreateLesson inserts lesson, assigning its ID and creation time
func (s *PostgresLessonStore) CreateLesson(ctx context.Context, lesson *models.Lesson) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "create_lesson",
		observability.AttributeUserID(lesson.UserID),
		observability.AttributeTopicID(lesson.TopicID),
	)
	defer observability.FinishSpan(span, &err)

	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO lessons (id, user_id, title, topic_id, difficulty, shuffled, provider, cache_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		lesson.ID,
		lesson.UserID,
		lesson.Title,
		lesson.TopicID,
		lesson.Difficulty,
		lesson.Shuffled,
		lesson.Provider,
		lesson.CacheKey,
		lesson.CreatedAt,
	)
	if err != nil {
		return queryError(err, "insert lesson")
	}
	return nil
}

// CreateQuestions inserts all questions of a lesson in one transaction
func (s *PostgresLessonStore) CreateQuestions(ctx context.Context, lessonID string, questions []models.Question) (result []models.Question, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "create_questions",
		attribute.String("lesson.id", lessonID),
		attribute.Int("questions.count", len(questions)),
	)
	defer observability.FinishSpan(span, &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseConnection, "failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error(ctx, "Failed to roll back question insert", rbErr, map[string]interface{}{"lesson_id": lessonID})
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (id, lesson_id, position, content, options, correct_answer, explanation, score, time_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return nil, queryError(err, "prepare question insert")
	}
	defer func() { _ = stmt.Close() }()

	result = copyQuestions(questions)
	for i := range result {
		q := &result[i]
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.LessonID = lessonID
		q.Position = i + 1
		options, mErr := json.Marshal(q.Options)
		if mErr != nil {
			return nil, contextutils.WrapErrorf(mErr, "failed to encode options of question %d", q.Position)
		}
		if _, err = stmt.ExecContext(ctx, q.ID, lessonID, q.Position, q.Content, options, q.CorrectAnswer, q.Explanation, q.Score, q.TimeLimit); err != nil {
			return nil, queryError(err, "insert question")
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, queryError(err, "commit questions")
	}
	return result, nil
}

// DeleteLesson removes a lesson and, by cascade, its questions
func (s *PostgresLessonStore) DeleteLesson(ctx context.Context, lessonID string) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "delete_lesson", attribute.String("lesson.id", lessonID))
	defer observability.FinishSpan(span, &err)

	if _, err = s.db.ExecContext(ctx, `DELETE FROM lessons WHERE id = $1`, lessonID); err != nil {
		return queryError(err, "delete lesson")
	}
	return nil
}

const lessonColumns = `id, user_id, title, topic_id, difficulty, shuffled, provider, COALESCE(cache_key, ''), created_at`

func scanLesson(row interface{ Scan(dest ...interface{}) error }) (*models.Lesson, error) {
	var l models.Lesson
	if err := row.Scan(&l.ID, &l.UserID, &l.Title, &l.TopicID, &l.Difficulty, &l.Shuffled, &l.Provider, &l.CacheKey, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLesson returns a lesson with its questions in order
func (s *PostgresLessonStore) GetLesson(ctx context.Context, lessonID string) (result *models.Lesson, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "get_lesson", attribute.String("lesson.id", lessonID))
	defer observability.FinishSpan(span, &err)

	lesson, err := scanLesson(s.db.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "lesson %s not found", lessonID)
	}
	if err != nil {
		return nil, queryError(err, "get lesson")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, content, options, correct_answer, explanation, score, time_limit
		FROM questions WHERE lesson_id = $1 ORDER BY position
	`, lessonID)
	if err != nil {
		return nil, queryError(err, "list questions")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		q := models.Question{LessonID: lessonID}
		var options []byte
		if err = rows.Scan(&q.ID, &q.Position, &q.Content, &options, &q.CorrectAnswer, &q.Explanation, &q.Score, &q.TimeLimit); err != nil {
			return nil, queryError(err, "scan question")
		}
		if err = json.Unmarshal(options, &q.Options); err != nil {
			return nil, contextutils.WrapErrorf(err, "failed to decode options of question %s", q.ID)
		}
		lesson.Questions = append(lesson.Questions, q)
	}
	if err = rows.Err(); err != nil {
		return nil, queryError(err, "iterate questions")
	}
	return lesson, nil
}

// FindLessonByCacheKey returns the newest lesson generated for cacheKey or ErrRecordNotFound
func (s *PostgresLessonStore) FindLessonByCacheKey(ctx context.Context, cacheKey string) (result *models.Lesson, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "find_lesson_by_cache_key")
	defer observability.FinishSpan(span, &err)

	lesson, err := scanLesson(s.db.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE cache_key = $1 ORDER BY created_at DESC LIMIT 1`, cacheKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapError(contextutils.ErrRecordNotFound, "no lesson for cache key")
	}
	if err != nil {
		return nil, queryError(err, "find lesson by cache key")
	}
	return lesson, nil
}

// CreateLearningPathEntry inserts entry, assigning its ID and creation time
func (s *PostgresLessonStore) CreateLearningPathEntry(ctx context.Context, entry *models.LearningPathEntry) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "create_learning_path_entry", observability.AttributeUserID(entry.UserID))
	defer observability.FinishSpan(span, &err)

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.LearningPathStatusAssigned
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_path_entries (id, user_id, lesson_id, topic_id, difficulty, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, entry.LessonID, entry.TopicID, entry.Difficulty, entry.Status, entry.CreatedAt)
	if err != nil {
		return queryError(err, "insert learning path entry")
	}
	return nil
}

// IncrementTopicStat bumps the lesson count of topicID
func (s *PostgresLessonStore) IncrementTopicStat(ctx context.Context, topicID string) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "increment_topic_stat", observability.AttributeTopicID(topicID))
	defer observability.FinishSpan(span, &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO topic_stats (topic_id, lessons_count, updated_at) VALUES ($1, 1, NOW())
		ON CONFLICT (topic_id) DO UPDATE SET lessons_count = topic_stats.lessons_count + 1, updated_at = NOW()
	`, topicID)
	if err != nil {
		return queryError(err, "increment topic stat")
	}
	return nil
}

// ListTopics returns all topics ordered by name
func (s *PostgresLessonStore) ListTopics(ctx context.Context) (result []models.Topic, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "list_topics")
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, subject, keywords FROM topics ORDER BY name`)
	if err != nil {
		return nil, queryError(err, "list topics")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		t, scanErr := scanTopic(rows)
		if scanErr != nil {
			return nil, queryError(scanErr, "scan topic")
		}
		result = append(result, *t)
	}
	if err = rows.Err(); err != nil {
		return nil, queryError(err, "iterate topics")
	}
	span.SetAttributes(attribute.Int("topics.count", len(result)))
	return result, nil
}

func scanTopic(row interface{ Scan(dest ...interface{}) error }) (*models.Topic, error) {
	var t models.Topic
	var keywords []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Subject, &keywords); err != nil {
		return nil, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &t.Keywords); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// GetTopic returns one topic or ErrRecordNotFound
func (s *PostgresLessonStore) GetTopic(ctx context.Context, topicID string) (result *models.Topic, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "get_topic", observability.AttributeTopicID(topicID))
	defer observability.FinishSpan(span, &err)

	t, err := scanTopic(s.db.QueryRowContext(ctx, `SELECT id, name, description, subject, keywords FROM topics WHERE id = $1`, topicID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "topic %s not found", topicID)
	}
	if err != nil {
		return nil, queryError(err, "get topic")
	}
	return t, nil
}

// UpsertTopic creates or replaces a topic
func (s *PostgresLessonStore) UpsertTopic(ctx context.Context, topic *models.Topic) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "upsert_topic", observability.AttributeTopicID(topic.ID))
	defer observability.FinishSpan(span, &err)

	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	keywords, err := json.Marshal(topic.Keywords)
	if err != nil {
		return contextutils.WrapError(err, "failed to encode topic keywords")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO topics (id, name, description, subject, keywords) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			subject = EXCLUDED.subject, keywords = EXCLUDED.keywords
	`, topic.ID, topic.Name, topic.Description, topic.Subject, keywords)
	if err != nil {
		return queryError(err, "upsert topic")
	}
	return nil
}

// RecordScore stores a completed lesson score, replacing an earlier one for the same lesson
func (s *PostgresLessonStore) RecordScore(ctx context.Context, score *models.ScoreRecord) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "record_score", observability.AttributeUserID(score.UserID))
	defer observability.FinishSpan(span, &err)

	if score.CompletedAt.IsZero() {
		score.CompletedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lesson_scores (user_id, lesson_id, topic_id, score, completed_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, lesson_id) DO UPDATE SET score = EXCLUDED.score, completed_at = EXCLUDED.completed_at
	`, score.UserID, score.LessonID, score.TopicID, score.Score, score.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "lesson %s not found", score.LessonID)
		}
		return queryError(err, "record score")
	}
	return nil
}

// RecentScores returns the user's latest scores, newest first
func (s *PostgresLessonStore) RecentScores(ctx context.Context, userID string, limit int) (result []models.ScoreRecord, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "recent_scores", observability.AttributeUserID(userID), attribute.Int("limit", limit))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, lesson_id, topic_id, score, completed_at FROM lesson_scores
		WHERE user_id = $1 ORDER BY completed_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, queryError(err, "list recent scores")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r models.ScoreRecord
		if err = rows.Scan(&r.UserID, &r.LessonID, &r.TopicID, &r.Score, &r.CompletedAt); err != nil {
			return nil, queryError(err, "scan score")
		}
		result = append(result, r)
	}
	if err = rows.Err(); err != nil {
		return nil, queryError(err, "iterate scores")
	}
	return result, nil
}

// TopicScores returns the user's average score per studied topic
func (s *PostgresLessonStore) TopicScores(ctx context.Context, userID string) (result map[string]float64, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "topic_scores", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_id, AVG(score) FROM lesson_scores WHERE user_id = $1 GROUP BY topic_id
	`, userID)
	if err != nil {
		return nil, queryError(err, "aggregate topic scores")
	}
	defer func() { _ = rows.Close() }()

	result = make(map[string]float64)
	for rows.Next() {
		var topicID string
		var avg float64
		if err = rows.Scan(&topicID, &avg); err != nil {
			return nil, queryError(err, "scan topic score")
		}
		result[topicID] = avg
	}
	if err = rows.Err(); err != nil {
		return nil, queryError(err, "iterate topic scores")
	}
	return result, nil
}

// MemoryLessonStore is an in-process LessonStoreInterface used by tests and local runs
type MemoryLessonStore struct {
	mu           sync.RWMutex
	topics       map[string]models.Topic
	lessons      map[string]*models.Lesson
	byCacheKey   map[string]string
	learningPath []models.LearningPathEntry
	topicStats   map[string]*models.TopicStat
	scores       []models.ScoreRecord
}

// NewMemoryLessonStore creates an empty store seeded with topics
func NewMemoryLessonStore(topics ...models.Topic) *MemoryLessonStore {
	s := &MemoryLessonStore{
		topics:     make(map[string]models.Topic),
		lessons:    make(map[string]*models.Lesson),
		byCacheKey: make(map[string]string),
		topicStats: make(map[string]*models.TopicStat),
	}
	for _, t := range topics {
		s.topics[t.ID] = t
	}
	return s
}

// CreateLesson implements LessonStoreInterface
func (s *MemoryLessonStore) CreateLesson(ctx context.Context, lesson *models.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = time.Now().UTC()
	}
	if lesson.CacheKey != "" {
		s.byCacheKey[lesson.CacheKey] = lesson.ID
	}
	stored := *lesson
	stored.Questions = nil
	s.lessons[lesson.ID] = &stored
	return nil
}

// CreateQuestions implements LessonStoreInterface
func (s *MemoryLessonStore) CreateQuestions(ctx context.Context, lessonID string, questions []models.Question) ([]models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.lessons[lessonID]
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "lesson %s not found", lessonID)
	}
	result := copyQuestions(questions)
	for i := range result {
		if result[i].ID == "" {
			result[i].ID = uuid.NewString()
		}
		result[i].LessonID = lessonID
		result[i].Position = i + 1
	}
	lesson.Questions = append(lesson.Questions, copyQuestions(result)...)
	return result, nil
}

// DeleteLesson implements LessonStoreInterface
func (s *MemoryLessonStore) DeleteLesson(ctx context.Context, lessonID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lesson, ok := s.lessons[lessonID]; ok && s.byCacheKey[lesson.CacheKey] == lessonID {
		delete(s.byCacheKey, lesson.CacheKey)
	}
	delete(s.lessons, lessonID)
	return nil
}

func (s *MemoryLessonStore) lessonCopy(id string) (*models.Lesson, bool) {
	lesson, ok := s.lessons[id]
	if !ok {
		return nil, false
	}
	out := *lesson
	out.Questions = copyQuestions(lesson.Questions)
	return &out, true
}

// GetLesson implements LessonStoreInterface
func (s *MemoryLessonStore) GetLesson(ctx context.Context, lessonID string) (*models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.lessonCopy(lessonID)
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "lesson %s not found", lessonID)
	}
	return lesson, nil
}

// FindLessonByCacheKey implements LessonStoreInterface
func (s *MemoryLessonStore) FindLessonByCacheKey(ctx context.Context, cacheKey string) (*models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byCacheKey[cacheKey]; ok {
		if lesson, ok := s.lessonCopy(id); ok {
			return lesson, nil
		}
	}
	return nil, contextutils.WrapError(contextutils.ErrRecordNotFound, "no lesson for cache key")
}

// CreateLearningPathEntry implements LessonStoreInterface
func (s *MemoryLessonStore) CreateLearningPathEntry(ctx context.Context, entry *models.LearningPathEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.LearningPathStatusAssigned
	}
	s.learningPath = append(s.learningPath, *entry)
	return nil
}

// LearningPath returns the user's learning path entries in creation order
func (s *MemoryLessonStore) LearningPath(userID string) []models.LearningPathEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LearningPathEntry
	for _, e := range s.learningPath {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// IncrementTopicStat implements LessonStoreInterface
func (s *MemoryLessonStore) IncrementTopicStat(ctx context.Context, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.topicStats[topicID]
	if !ok {
		stat = &models.TopicStat{TopicID: topicID}
		s.topicStats[topicID] = stat
	}
	stat.LessonsCount++
	stat.UpdatedAt = time.Now().UTC()
	return nil
}

// TopicStat returns the stat of topicID
func (s *MemoryLessonStore) TopicStat(topicID string) models.TopicStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stat, ok := s.topicStats[topicID]; ok {
		return *stat
	}
	return models.TopicStat{TopicID: topicID}
}

// LessonCount returns the number of stored lessons
func (s *MemoryLessonStore) LessonCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lessons)
}

// ListTopics implements LessonStoreInterface
func (s *MemoryLessonStore) ListTopics(ctx context.Context) ([]models.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// GetTopic implements LessonStoreInterface
func (s *MemoryLessonStore) GetTopic(ctx context.Context, topicID string) (*models.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[topicID]
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "topic %s not found", topicID)
	}
	return &t, nil
}

// UpsertTopic implements LessonStoreInterface
func (s *MemoryLessonStore) UpsertTopic(ctx context.Context, topic *models.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	s.topics[topic.ID] = *topic
	return nil
}

// RecordScore implements LessonStoreInterface
func (s *MemoryLessonStore) RecordScore(ctx context.Context, score *models.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score.CompletedAt.IsZero() {
		score.CompletedAt = time.Now().UTC()
	}
	for i, existing := range s.scores {
		if existing.UserID == score.UserID && existing.LessonID == score.LessonID {
			s.scores[i] = *score
			return nil
		}
	}
	s.scores = append(s.scores, *score)
	return nil
}

// RecentScores implements LessonStoreInterface
func (s *MemoryLessonStore) RecentScores(ctx context.Context, userID string, limit int) ([]models.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ScoreRecord
	for _, r := range s.scores {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TopicScores implements LessonStoreInterface
func (s *MemoryLessonStore) TopicScores(ctx context.Context, userID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range s.scores {
		if r.UserID == userID {
			sums[r.TopicID] += r.Score
			counts[r.TopicID]++
		}
	}
	out := make(map[string]float64, len(sums))
	for topic, sum := range sums {
		out[topic] = sum / float64(counts[topic])
	}
	return out, nil
}
