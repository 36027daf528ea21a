// Package models holds the data types shared by the generation pipeline, its store and its handlers.
package models

import (
	"time"
)

// OptionsPerQuestion is the fixed number of options of a multiple-choice question
const OptionsPerQuestion = 4

// Question is a single multiple-choice question of a lesson
type Question struct {
	ID            string   `json:"id,omitempty"`
	LessonID      string   `json:"lesson_id,omitempty"`
	Position      int      `json:"position"`
	Content       string   `json:"content"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
	Score         int      `json:"score"`
	TimeLimit     int      `json:"time_limit"`
}

// Lesson is a persisted, validated batch of questions on one topic
type Lesson struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Title      string     `json:"title"`
	TopicID    string     `json:"topic_id"`
	Difficulty int        `json:"difficulty"`
	Questions  []Question `json:"questions,omitempty"`
	Shuffled   bool       `json:"shuffled"`
	Provider   string     `json:"provider,omitempty"`
	CacheKey   string     `json:"cache_key,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Topic is a subject lessons can be generated for
type Topic struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// TopicStat counts how many lessons were generated for a topic
type TopicStat struct {
	TopicID      string    `json:"topic_id"`
	LessonsCount int       `json:"lessons_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LearningPathEntry links a generated lesson into a user's learning path
type LearningPathEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	LessonID   string    `json:"lesson_id"`
	TopicID    string    `json:"topic_id"`
	Difficulty int       `json:"difficulty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Learning path entry statuses
const (
	LearningPathStatusAssigned  = "assigned"
	LearningPathStatusCompleted = "completed"
)

// ScoreRecord is a completed lesson score used by progress analysis
type ScoreRecord struct {
	UserID      string    `json:"user_id"`
	LessonID    string    `json:"lesson_id"`
	TopicID     string    `json:"topic_id"`
	Score       float64   `json:"score"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notification is a message delivered to a user after a lesson is ready
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Link    string `json:"link,omitempty"`
}

// NotificationTypeLessonReady marks a lesson-ready notification
const NotificationTypeLessonReady = "lesson_ready"
