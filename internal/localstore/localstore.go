// Package localstore is the durable per-device cache: completed chapters,
// best quiz scores, and a last-visited pointer. It is the source of truth for
// anonymous use and the local input to the sign-in merge.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"learnsync/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS completed_chapters (
	chapter_id INTEGER PRIMARY KEY CHECK (chapter_id > 0)
);
CREATE TABLE IF NOT EXISTS quiz_scores (
	chapter_id      INTEGER PRIMARY KEY CHECK (chapter_id > 0),
	score           INTEGER NOT NULL CHECK (score >= 0),
	total_questions INTEGER NOT NULL CHECK (total_questions > 0),
	passed          INTEGER NOT NULL,
	recorded_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the device database at path. It enables WAL mode
// and foreign keys and keeps a single connection, which is enough for a
// per-device store owned by one process.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Completed returns the set of completed chapter IDs in ascending order.
func (s *Store) Completed(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chapter_id FROM completed_chapters ORDER BY chapter_id")
	if err != nil {
		return nil, fmt.Errorf("query completed chapters: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chapter id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkCompleted records chapterID as completed. Re-marking is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, chapterID int) error {
	if chapterID <= 0 {
		return fmt.Errorf("invalid chapter id %d", chapterID)
	}
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO completed_chapters (chapter_id) VALUES (?)", chapterID)
	if err != nil {
		return fmt.Errorf("mark chapter %d: %w", chapterID, err)
	}
	return s.touch(ctx)
}

// UnmarkCompleted removes chapterID. Absence is not an error.
func (s *Store) UnmarkCompleted(ctx context.Context, chapterID int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM completed_chapters WHERE chapter_id = ?", chapterID)
	if err != nil {
		return fmt.Errorf("unmark chapter %d: %w", chapterID, err)
	}
	return s.touch(ctx)
}

// QuizScores returns the per-chapter best score records.
func (s *Store) QuizScores(ctx context.Context) (map[int]models.QuizScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chapter_id, score, total_questions, passed, recorded_at FROM quiz_scores")
	if err != nil {
		return nil, fmt.Errorf("query quiz scores: %w", err)
	}
	defer rows.Close()

	out := make(map[int]models.QuizScoreRecord)
	for rows.Next() {
		var (
			chapterID  int
			rec        models.QuizScoreRecord
			recordedAt string
		)
		if err := rows.Scan(&chapterID, &rec.Score, &rec.TotalQuestions, &rec.Passed, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan quiz score: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at for chapter %d: %w", chapterID, err)
		}
		rec.Timestamp = ts
		out[chapterID] = rec
	}
	return out, rows.Err()
}

// PutQuizScore stores rec for chapterID, but only replaces an existing record
// when the new score is strictly higher.
func (s *Store) PutQuizScore(ctx context.Context, chapterID int, rec models.QuizScoreRecord) error {
	if chapterID <= 0 {
		return fmt.Errorf("invalid chapter id %d", chapterID)
	}
	if rec.TotalQuestions <= 0 || rec.Score < 0 || rec.Score > rec.TotalQuestions {
		return fmt.Errorf("invalid score %d/%d for chapter %d", rec.Score, rec.TotalQuestions, chapterID)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_scores (chapter_id, score, total_questions, passed, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id) DO UPDATE SET
			score = excluded.score,
			total_questions = excluded.total_questions,
			passed = excluded.passed,
			recorded_at = excluded.recorded_at
		WHERE excluded.score > quiz_scores.score`,
		chapterID, rec.Score, rec.TotalQuestions, rec.Passed, ts.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put quiz score for chapter %d: %w", chapterID, err)
	}
	return s.touch(ctx)
}

// ReplaceAll overwrites the cached view with the outcome of a reconciliation.
func (s *Store) ReplaceAll(ctx context.Context, merged models.MergedProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM completed_chapters"); err != nil {
		return fmt.Errorf("clear chapters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM quiz_scores"); err != nil {
		return fmt.Errorf("clear quiz scores: %w", err)
	}
	for _, id := range merged.Chapters {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO completed_chapters (chapter_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("insert chapter %d: %w", id, err)
		}
	}
	for id, rec := range merged.QuizScores {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO quiz_scores (chapter_id, score, total_questions, passed, recorded_at) VALUES (?, ?, ?, ?, ?)",
			id, rec.Score, rec.TotalQuestions, rec.Passed, ts.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert quiz score for chapter %d: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO device_meta (key, value) VALUES ('last_updated', ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("touch last_updated: %w", err)
	}
	return tx.Commit()
}

// SetLastVisited records the chapter the user was last reading.
func (s *Store) SetLastVisited(ctx context.Context, chapterID int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_meta (key, value) VALUES ('last_visited', ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		strconv.Itoa(chapterID))
	if err != nil {
		return fmt.Errorf("set last visited: %w", err)
	}
	return s.touch(ctx)
}

// LastVisited returns the last-visited chapter, or ok=false if none recorded.
func (s *Store) LastVisited(ctx context.Context) (int, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM device_meta WHERE key = 'last_visited'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last visited: %w", err)
	}
	id, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("parse last visited: %w", err)
	}
	return id, true, nil
}

func (s *Store) touch(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_meta (key, value) VALUES ('last_updated', ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("touch last_updated: %w", err)
	}
	return nil
}
