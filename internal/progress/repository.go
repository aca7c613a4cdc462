package progress

import (
	"errors"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"learnsync/internal/models"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetProgress(userID uint) ([]models.Progress, error) {
	var rows []models.Progress
	err := r.db.Where("user_id = ?", userID).Order("chapter_id asc").Find(&rows).Error
	if err != nil {
		log.Printf("Error getting progress for user %d: %v", userID, err)
		return nil, err
	}
	return rows, nil
}

// UpsertProgress inserts the (user, chapter) row. Re-applying is a no-op
// thanks to the composite unique index.
func (r *Repository) UpsertProgress(userID uint, chapterID int) error {
	row := models.Progress{UserID: userID, ChapterID: chapterID}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		log.Printf("Error upserting progress (%d, %d): %v", userID, chapterID, err)
		return err
	}
	return nil
}

// DeleteProgress removes the (user, chapter) row. Absence is not an error.
func (r *Repository) DeleteProgress(userID uint, chapterID int) error {
	result := r.db.Where("user_id = ? AND chapter_id = ?", userID, chapterID).
		Delete(&models.Progress{})
	if result.Error != nil {
		log.Printf("Error deleting progress (%d, %d): %v", userID, chapterID, result.Error)
		return result.Error
	}
	return nil
}

// InsertAttempt inserts the attempt keyed by its client-generated ID. A retry
// after a lost response replays the same row; that must be a no-op, not an
// error.
func (r *Repository) InsertAttempt(attempt *models.QuizAttempt) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(attempt).Error
	if err != nil {
		log.Printf("Error inserting attempt for user %d chapter %d: %v", attempt.UserID, attempt.ChapterID, err)
		return err
	}
	return nil
}

func (r *Repository) GetAttempts(userID uint, chapterID int) ([]models.QuizAttempt, error) {
	var attempts []models.QuizAttempt
	err := r.db.Where("user_id = ? AND chapter_id = ?", userID, chapterID).
		Order("created_at desc").
		Find(&attempts).Error
	if err != nil {
		log.Printf("Error getting attempts for user %d chapter %d: %v", userID, chapterID, err)
		return nil, err
	}
	return attempts, nil
}

// NextAttemptNumber bumps and returns the per (user, chapter) counter in one
// statement, so concurrent callers always receive distinct, gap-free numbers.
func (r *Repository) NextAttemptNumber(userID uint, chapterID int) (int, error) {
	var next int
	err := r.db.Raw(`
		INSERT INTO attempt_counters (user_id, chapter_id, next_number)
		VALUES (?, ?, 1)
		ON CONFLICT (user_id, chapter_id)
		DO UPDATE SET next_number = attempt_counters.next_number + 1
		RETURNING next_number
	`, userID, chapterID).Scan(&next).Error
	if err != nil {
		log.Printf("Error getting next attempt number (%d, %d): %v", userID, chapterID, err)
		return 0, err
	}
	return next, nil
}

// GetBestScore returns the user_best_quiz_scores row for one chapter, or nil
// when the user has no attempts there yet.
func (r *Repository) GetBestScore(userID uint, chapterID int) (*models.BestQuizScore, error) {
	var best models.BestQuizScore
	err := r.db.Raw(`
		SELECT user_id, chapter_id, score, total_questions, passed, attempt_number, created_at
		FROM quiz_attempts
		WHERE user_id = ? AND chapter_id = ?
		ORDER BY score DESC, attempt_number ASC
		LIMIT 1
	`, userID, chapterID).Scan(&best).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		log.Printf("Error getting best score (%d, %d): %v", userID, chapterID, err)
		return nil, err
	}
	if best.AttemptNumber == 0 {
		// Raw().Scan leaves the struct zeroed when no row matched.
		return nil, nil
	}
	return &best, nil
}

// GetBestScores returns the user_best_quiz_scores rows across all chapters.
func (r *Repository) GetBestScores(userID uint) ([]models.BestQuizScore, error) {
	var bests []models.BestQuizScore
	err := r.db.Raw(`
		SELECT DISTINCT ON (chapter_id)
			user_id, chapter_id, score, total_questions, passed, attempt_number, created_at
		FROM quiz_attempts
		WHERE user_id = ?
		ORDER BY chapter_id, score DESC, attempt_number ASC
	`, userID).Scan(&bests).Error
	if err != nil {
		log.Printf("Error getting best scores for user %d: %v", userID, err)
		return nil, err
	}
	return bests, nil
}

func (r *Repository) GetLeaderboard(chapterID int) ([]models.LeaderboardEntry, error) {
	var entries []models.LeaderboardEntry
	err := r.db.Raw(`
		SELECT u.username, b.score
		FROM users u
		JOIN (
			SELECT DISTINCT ON (user_id) user_id, score
			FROM quiz_attempts
			WHERE chapter_id = ?
			ORDER BY user_id, score DESC, attempt_number ASC
		) b ON u.id = b.user_id
		ORDER BY b.score DESC
	`, chapterID).Scan(&entries).Error
	if err != nil {
		log.Printf("Error getting leaderboard for chapter %d: %v", chapterID, err)
		return nil, err
	}
	return entries, nil
}
