package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
	Username  string         `json:"username" gorm:"unique;not null"`
	Email     string         `json:"email" gorm:"unique"`
	Password  string         `json:"-" gorm:"not null"`
}

// Progress is one completed chapter for one user. The composite unique index
// is the conflict key for idempotent upserts.
type Progress struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_progress_user_chapter"`
	ChapterID int       `json:"chapter_id" gorm:"not null;uniqueIndex:idx_progress_user_chapter"`
}

func (Progress) TableName() string {
	return "progress"
}

// QuizAttempt is append-only. AttemptNumber is assigned by the sequence RPC,
// which is the sole arbiter of uniqueness; the schema deliberately does not
// enforce it, so an attempt saved with the degraded fallback number still
// inserts instead of being rejected.
type QuizAttempt struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          uint      `json:"user_id" gorm:"not null;index:idx_attempt_user_chapter"`
	ChapterID       int       `json:"chapter_id" gorm:"not null;index:idx_attempt_user_chapter"`
	Score           int       `json:"score" gorm:"not null"`
	TotalQuestions  int       `json:"total_questions" gorm:"not null"`
	Passed          bool      `json:"passed"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	AttemptNumber   int       `json:"attempt_number" gorm:"not null"`
	CreatedAt       time.Time `json:"created_at"`
}

// AttemptCounter backs the get_next_attempt_number RPC. The row is bumped
// with a single upsert-returning statement so concurrent callers always see
// distinct numbers.
type AttemptCounter struct {
	UserID     uint `gorm:"primaryKey;autoIncrement:false"`
	ChapterID  int  `gorm:"primaryKey;autoIncrement:false"`
	NextNumber int  `gorm:"not null"`
}

// BestQuizScore is the user_best_quiz_scores view: the highest-scoring
// attempt per (user, chapter), ties broken by earliest attempt number.
// Derived by query, never written directly.
type BestQuizScore struct {
	UserID         uint      `json:"user_id"`
	ChapterID      int       `json:"chapter_id"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	Passed         bool      `json:"passed"`
	AttemptNumber  int       `json:"attempt_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// QuizScoreRecord is the device-side per-chapter score record kept in the
// local store and produced by the merge engine.
type QuizScoreRecord struct {
	Score          int       `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	Passed         bool      `json:"passed"`
	Timestamp      time.Time `json:"timestamp"`
}

// MergedProgress is the output of a sign-in reconciliation.
type MergedProgress struct {
	Chapters   []int                   `json:"chapters"`
	QuizScores map[int]QuizScoreRecord `json:"quiz_scores"`
}

type LeaderboardEntry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
}
