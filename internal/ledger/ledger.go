// Package ledger appends immutable quiz attempt records to the remote store
// and maintains a most-recent-first view of attempts plus a cached best score
// per chapter. Attempt numbers come from the backend's sequence RPC, the sole
// arbiter of uniqueness across tabs and devices.
package ledger

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"learnsync/internal/models"
	"learnsync/internal/remote"
)

type Ledger struct {
	store  remote.Store
	userID uint

	mu       sync.Mutex
	attempts map[int][]models.QuizAttempt
	best     map[int]models.QuizScoreRecord
}

// New creates a ledger for the given user. A zero userID means anonymous;
// every save then returns nil without touching the remote store.
func New(store remote.Store, userID uint) *Ledger {
	return &Ledger{
		store:    store,
		userID:   userID,
		attempts: make(map[int][]models.QuizAttempt),
		best:     make(map[int]models.QuizScoreRecord),
	}
}

// SaveAttempt requests the next attempt number, inserts the attempt row, and
// refreshes the cached best score for the chapter. Returns (nil, nil) for
// anonymous users and on network-class failures; backend rejections are
// returned to the caller.
func (l *Ledger) SaveAttempt(ctx context.Context, chapterID, score, totalQuestions int, passed bool, durationSeconds *int) (*models.QuizAttempt, error) {
	if l.userID == 0 {
		return nil, nil
	}
	if totalQuestions <= 0 || score < 0 || score > totalQuestions {
		return nil, &remote.ValidationError{Table: "quiz_attempts", Field: "score", Msg: "score out of range"}
	}

	attempt := models.QuizAttempt{
		ID:              uuid.NewString(),
		UserID:          l.userID,
		ChapterID:       chapterID,
		Score:           score,
		TotalQuestions:  totalQuestions,
		Passed:          passed,
		DurationSeconds: durationSeconds,
		AttemptNumber:   l.nextAttemptNumber(ctx, chapterID),
		CreatedAt:       time.Now().UTC(),
	}

	row := remote.Row{
		"id":              attempt.ID,
		"user_id":         attempt.UserID,
		"chapter_id":      attempt.ChapterID,
		"score":           attempt.Score,
		"total_questions": attempt.TotalQuestions,
		"passed":          attempt.Passed,
		"attempt_number":  attempt.AttemptNumber,
		"created_at":      attempt.CreatedAt.Format(time.RFC3339),
	}
	if durationSeconds != nil {
		row["duration_seconds"] = *durationSeconds
	}

	if err := l.store.Upsert(ctx, "quiz_attempts", []remote.Row{row}, "id"); err != nil {
		if remote.IsNetwork(err) {
			log.Printf("debug: save attempt: %v", err)
			return nil, nil
		}
		return nil, err
	}

	// Read-after-write: the best view is server-computed, so pick up the
	// aggregate rather than assuming this attempt won.
	l.refreshBestScore(ctx, chapterID)

	l.mu.Lock()
	l.attempts[chapterID] = append([]models.QuizAttempt{attempt}, l.attempts[chapterID]...)
	l.mu.Unlock()

	return &attempt, nil
}

// nextAttemptNumber calls the sequence RPC exactly once. If it fails the save
// proceeds with number 1: an imperfect number is preferred over losing the
// attempt. The degraded mode is logged, never silent.
func (l *Ledger) nextAttemptNumber(ctx context.Context, chapterID int) int {
	raw, err := l.store.RPC(ctx, "get_next_attempt_number", map[string]any{
		"user_id":    l.userID,
		"chapter_id": chapterID,
	})
	if err != nil {
		log.Printf("sequence rpc failed, falling back to attempt number 1: %v", err)
		return 1
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 1 {
		log.Printf("sequence rpc returned bad value %q, falling back to attempt number 1", raw)
		return 1
	}
	return n
}

// FetchAttempts loads the attempt history for chapterID, most recent first.
// A user's first visit legitimately has no rows; that returns an empty slice,
// not an error.
func (l *Ledger) FetchAttempts(ctx context.Context, chapterID int) ([]models.QuizAttempt, error) {
	rows, err := l.store.Select(ctx, "quiz_attempts", remote.Filter{
		"user_id":    l.userID,
		"chapter_id": chapterID,
	})
	if err != nil {
		return nil, err
	}

	attempts := make([]models.QuizAttempt, 0, len(rows))
	for _, row := range rows {
		a, err := attemptFromRow(row)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	sortAttemptsDesc(attempts)

	l.mu.Lock()
	l.attempts[chapterID] = attempts
	l.mu.Unlock()
	return attempts, nil
}

// FetchBestScore loads the server-computed best score for chapterID. Returns
// nil when the user has no attempts yet.
func (l *Ledger) FetchBestScore(ctx context.Context, chapterID int) (*models.QuizScoreRecord, error) {
	rows, err := l.store.Select(ctx, "user_best_quiz_scores", remote.Filter{
		"user_id":    l.userID,
		"chapter_id": chapterID,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	rec, err := scoreRecordFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.best[chapterID] = rec
	l.mu.Unlock()
	return &rec, nil
}

// Attempts returns the cached most-recent-first attempt list for chapterID.
func (l *Ledger) Attempts(chapterID int) []models.QuizAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.QuizAttempt(nil), l.attempts[chapterID]...)
}

// BestScore returns the cached best score for chapterID, if any.
func (l *Ledger) BestScore(chapterID int) (models.QuizScoreRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.best[chapterID]
	return rec, ok
}

func (l *Ledger) refreshBestScore(ctx context.Context, chapterID int) {
	if _, err := l.FetchBestScore(ctx, chapterID); err != nil {
		logRemoteErr("refresh best score", err)
	}
}

func attemptFromRow(row remote.Row) (models.QuizAttempt, error) {
	var a models.QuizAttempt
	var err error
	if a.ID, err = row.String("id"); err != nil {
		return a, err
	}
	if a.ChapterID, err = row.Int("chapter_id"); err != nil {
		return a, err
	}
	if a.Score, err = row.Int("score"); err != nil {
		return a, err
	}
	if a.TotalQuestions, err = row.Int("total_questions"); err != nil {
		return a, err
	}
	if a.Passed, err = row.Bool("passed"); err != nil {
		return a, err
	}
	if a.AttemptNumber, err = row.Int("attempt_number"); err != nil {
		return a, err
	}
	if a.CreatedAt, err = row.Time("created_at"); err != nil {
		return a, err
	}
	if userID, uidErr := row.Int("user_id"); uidErr == nil {
		a.UserID = uint(userID)
	}
	if d, dErr := row.Int("duration_seconds"); dErr == nil {
		a.DurationSeconds = &d
	}
	return a, nil
}

func scoreRecordFromRow(row remote.Row) (models.QuizScoreRecord, error) {
	var rec models.QuizScoreRecord
	var err error
	if rec.Score, err = row.Int("score"); err != nil {
		return rec, err
	}
	if rec.TotalQuestions, err = row.Int("total_questions"); err != nil {
		return rec, err
	}
	if rec.Passed, err = row.Bool("passed"); err != nil {
		return rec, err
	}
	if ts, tsErr := row.Time("created_at"); tsErr == nil {
		rec.Timestamp = ts
	}
	return rec, nil
}

func sortAttemptsDesc(attempts []models.QuizAttempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})
}

func logRemoteErr(op string, err error) {
	if remote.IsNetwork(err) {
		log.Printf("debug: %s: %v", op, err)
		return
	}
	log.Printf("%s failed: %v", op, err)
}
