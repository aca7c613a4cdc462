package progress

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"learnsync/internal/models"
	"learnsync/pkg/cache"
	"learnsync/pkg/realtime"
)

// Tables exposed through the generic store surface.
const (
	TableProgress   = "progress"
	TableAttempts   = "quiz_attempts"
	TableBestScores = "user_best_quiz_scores"
)

type Service struct {
	repo  *Repository
	cache *cache.RedisCache
	hub   *realtime.Hub
}

func NewService(repo *Repository, cache *cache.RedisCache, hub *realtime.Hub) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		hub:   hub,
	}
}

func (s *Service) NextAttemptNumber(userID uint, chapterID int) (int, error) {
	return s.repo.NextAttemptNumber(userID, chapterID)
}

// RecordAttempt inserts the attempt and refreshes the derived views: the
// cached best score and the chapter leaderboard. Cache failures are logged
// and do not fail the insert.
func (s *Service) RecordAttempt(attempt *models.QuizAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if attempt.AttemptNumber == 0 {
		n, err := s.repo.NextAttemptNumber(attempt.UserID, attempt.ChapterID)
		if err != nil {
			return err
		}
		attempt.AttemptNumber = n
	}
	if attempt.TotalQuestions <= 0 || attempt.Score < 0 || attempt.Score > attempt.TotalQuestions {
		return fmt.Errorf("invalid score %d/%d", attempt.Score, attempt.TotalQuestions)
	}

	if err := s.repo.InsertAttempt(attempt); err != nil {
		return err
	}

	best, err := s.repo.GetBestScore(attempt.UserID, attempt.ChapterID)
	if err == nil && best != nil {
		if err := s.cache.SetBestScore(attempt.UserID, attempt.ChapterID, best); err != nil {
			log.Printf("Error caching best score for user %d chapter %d: %v", attempt.UserID, attempt.ChapterID, err)
		}
	}

	if err := s.updateLeaderboard(attempt.ChapterID); err != nil {
		log.Printf("Error updating leaderboard for chapter %d: %v", attempt.ChapterID, err)
	}
	return nil
}

// BestScore is cache-aside: Redis first, then the aggregate query.
func (s *Service) BestScore(userID uint, chapterID int) (*models.BestQuizScore, error) {
	best, err := s.cache.GetBestScore(userID, chapterID)
	if err == nil {
		return best, nil
	}

	best, err = s.repo.GetBestScore(userID, chapterID)
	if err != nil {
		return nil, err
	}
	if best != nil {
		if err := s.cache.SetBestScore(userID, chapterID, best); err != nil {
			log.Printf("Error caching best score for user %d chapter %d: %v", userID, chapterID, err)
		}
	}
	return best, nil
}

func (s *Service) Leaderboard(chapterID int) ([]models.LeaderboardEntry, error) {
	entries, err := s.cache.GetLeaderboard(chapterID)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}

	entries, err = s.repo.GetLeaderboard(chapterID)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]int, len(entries))
	for _, entry := range entries {
		scores[entry.Username] = entry.Score
	}
	if err := s.cache.SetLeaderboard(chapterID, scores); err != nil {
		log.Printf("Error caching leaderboard for chapter %d: %v", chapterID, err)
	}
	return entries, nil
}

func (s *Service) updateLeaderboard(chapterID int) error {
	entries, err := s.repo.GetLeaderboard(chapterID)
	if err != nil {
		return err
	}

	scores := make(map[string]int, len(entries))
	for _, entry := range entries {
		scores[entry.Username] = entry.Score
	}
	if err := s.cache.SetLeaderboard(chapterID, scores); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastMessage(fmt.Sprintf("leaderboard:chapter:%d", chapterID), "broadcast", map[string]any{
			"chapterId":   chapterID,
			"leaderboard": entries,
		})
	}
	return nil
}

// StoreSelect serves the client contract's table-level reads, always scoped
// to the authenticated user regardless of the submitted filter.
func (s *Service) StoreSelect(userID uint, table string, filter map[string]any) ([]map[string]any, error) {
	switch table {
	case TableProgress:
		rows, err := s.repo.GetProgress(userID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(rows))
		for _, p := range rows {
			if !matchesChapter(filter, p.ChapterID) {
				continue
			}
			out = append(out, map[string]any{
				"user_id":    p.UserID,
				"chapter_id": p.ChapterID,
			})
		}
		return out, nil

	case TableAttempts:
		chapterID, ok := chapterFilter(filter)
		if !ok {
			return nil, errors.New("quiz_attempts select requires a chapter_id filter")
		}
		attempts, err := s.repo.GetAttempts(userID, chapterID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(attempts))
		for _, a := range attempts {
			out = append(out, attemptRow(a))
		}
		return out, nil

	case TableBestScores:
		if chapterID, ok := chapterFilter(filter); ok {
			best, err := s.BestScore(userID, chapterID)
			if err != nil {
				return nil, err
			}
			if best == nil {
				return []map[string]any{}, nil
			}
			return []map[string]any{bestScoreRow(*best)}, nil
		}
		bests, err := s.repo.GetBestScores(userID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(bests))
		for _, b := range bests {
			out = append(out, bestScoreRow(b))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

// StoreUpsert serves the client contract's writes. Progress rows are
// idempotent inserts; quiz_attempts rows go through RecordAttempt so the
// derived views stay fresh.
func (s *Service) StoreUpsert(userID uint, table string, rows []map[string]any) error {
	switch table {
	case TableProgress:
		for _, row := range rows {
			chapterID, ok := intField(row, "chapter_id")
			if !ok || chapterID <= 0 {
				return errors.New("progress row missing chapter_id")
			}
			if err := s.repo.UpsertProgress(userID, chapterID); err != nil {
				return err
			}
		}
		return nil

	case TableAttempts:
		for _, row := range rows {
			attempt, err := attemptFromStoreRow(userID, row)
			if err != nil {
				return err
			}
			if err := s.RecordAttempt(attempt); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("table %q is not writable", table)
	}
}

func (s *Service) StoreDelete(userID uint, table string, filter map[string]any) error {
	if table != TableProgress {
		return fmt.Errorf("table %q does not support delete", table)
	}
	chapterID, ok := chapterFilter(filter)
	if !ok {
		return errors.New("progress delete requires a chapter_id filter")
	}
	return s.repo.DeleteProgress(userID, chapterID)
}

func attemptFromStoreRow(userID uint, row map[string]any) (*models.QuizAttempt, error) {
	attempt := &models.QuizAttempt{UserID: userID}
	if id, ok := row["id"].(string); ok {
		attempt.ID = id
	}
	var ok bool
	if attempt.ChapterID, ok = intField(row, "chapter_id"); !ok {
		return nil, errors.New("attempt row missing chapter_id")
	}
	if attempt.Score, ok = intField(row, "score"); !ok {
		return nil, errors.New("attempt row missing score")
	}
	if attempt.TotalQuestions, ok = intField(row, "total_questions"); !ok {
		return nil, errors.New("attempt row missing total_questions")
	}
	attempt.Passed, _ = row["passed"].(bool)
	if n, ok := intField(row, "attempt_number"); ok {
		attempt.AttemptNumber = n
	}
	if d, ok := intField(row, "duration_seconds"); ok {
		attempt.DurationSeconds = &d
	}
	if ts, ok := row["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			attempt.CreatedAt = parsed
		}
	}
	return attempt, nil
}

func attemptRow(a models.QuizAttempt) map[string]any {
	row := map[string]any{
		"id":              a.ID,
		"user_id":         a.UserID,
		"chapter_id":      a.ChapterID,
		"score":           a.Score,
		"total_questions": a.TotalQuestions,
		"passed":          a.Passed,
		"attempt_number":  a.AttemptNumber,
		"created_at":      a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.DurationSeconds != nil {
		row["duration_seconds"] = *a.DurationSeconds
	}
	return row
}

func bestScoreRow(b models.BestQuizScore) map[string]any {
	return map[string]any{
		"user_id":         b.UserID,
		"chapter_id":      b.ChapterID,
		"score":           b.Score,
		"total_questions": b.TotalQuestions,
		"passed":          b.Passed,
		"attempt_number":  b.AttemptNumber,
		"created_at":      b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// intField reads a numeric field that may arrive as float64 (JSON) or a
// native integer type.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint:
		return int(v), true
	default:
		return 0, false
	}
}

func chapterFilter(filter map[string]any) (int, bool) {
	if filter == nil {
		return 0, false
	}
	return intField(filter, "chapter_id")
}

func matchesChapter(filter map[string]any, chapterID int) bool {
	want, ok := chapterFilter(filter)
	if !ok {
		return true
	}
	return want == chapterID
}
