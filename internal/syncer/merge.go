// Package syncer reconciles the device's view of learning progress with the
// remote store. Merges favor availability: a transient network failure never
// loses local progress and never blocks the caller.
package syncer

import (
	"context"
	"log"
	"sort"
	"sync"

	"learnsync/internal/localstore"
	"learnsync/internal/models"
	"learnsync/internal/remote"
)

// AttemptSaver is the ledger's save path, used to push local quiz-score wins
// to the remote store as new attempt rows.
type AttemptSaver interface {
	SaveAttempt(ctx context.Context, chapterID, score, totalQuestions int, passed bool, durationSeconds *int) (*models.QuizAttempt, error)
}

// Engine orchestrates the one-time sign-in reconciliation and the dual-write
// path for every subsequent local mutation.
type Engine struct {
	store remote.Store
	saver AttemptSaver
	local *localstore.Store
	tasks *Tasks
}

func NewEngine(store remote.Store, saver AttemptSaver, local *localstore.Store) *Engine {
	return &Engine{
		store: store,
		saver: saver,
		local: local,
		tasks: NewTasks(32),
	}
}

// MergeAllProgress reconciles the device's chapter set and quiz-score map
// with the remote store for a newly-authenticated user. It never fails: any
// remote fetch error returns the local inputs unchanged. Pushes of local-only
// data continue in the background after return; Drain waits for them.
func (e *Engine) MergeAllProgress(ctx context.Context, userID uint, localChapters []int, localScores map[int]models.QuizScoreRecord) models.MergedProgress {
	var (
		cloudChapters []int
		cloudScores   map[int]models.QuizScoreRecord
		chapterErr    error
		scoreErr      error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cloudChapters, chapterErr = e.fetchCloudChapters(ctx, userID)
	}()
	go func() {
		defer wg.Done()
		cloudScores, scoreErr = e.fetchCloudScores(ctx, userID)
	}()
	wg.Wait()

	if chapterErr != nil || scoreErr != nil {
		logRemoteErr("merge fetch", firstErr(chapterErr, scoreErr))
		return models.MergedProgress{Chapters: localChapters, QuizScores: localScores}
	}

	merged := models.MergedProgress{
		Chapters:   unionChapters(localChapters, cloudChapters),
		QuizScores: MergeQuizScores(localScores, cloudScores),
	}

	if localOnly := diffChapters(localChapters, cloudChapters); len(localOnly) > 0 {
		e.tasks.Go("push local chapters", func(ctx context.Context) error {
			return e.pushChapters(ctx, userID, localOnly)
		})
	}

	// Local wins get re-saved through the ledger so the remote log gains a
	// new attempt row rather than having history overwritten.
	for chapterID, local := range localScores {
		cloud, ok := cloudScores[chapterID]
		if ok && local.Score <= cloud.Score {
			continue
		}
		id, rec := chapterID, local
		e.tasks.Go("push local quiz score", func(ctx context.Context) error {
			_, err := e.saver.SaveAttempt(ctx, id, rec.Score, rec.TotalQuestions, rec.Passed, nil)
			return err
		})
	}

	if e.local != nil {
		if err := e.local.ReplaceAll(ctx, merged); err != nil {
			log.Printf("persist merged view: %v", err)
		}
	}
	return merged
}

// MarkChapterCompleted is the dual-write path: the local store is updated
// first, then the remote row is synced best-effort in the background. A zero
// userID means anonymous, in which case only the local store is touched.
func (e *Engine) MarkChapterCompleted(ctx context.Context, userID uint, chapterID int, completed bool) error {
	var err error
	if completed {
		err = e.local.MarkCompleted(ctx, chapterID)
	} else {
		err = e.local.UnmarkCompleted(ctx, chapterID)
	}
	if err != nil {
		return err
	}
	if userID == 0 {
		return nil
	}
	e.tasks.Go("sync chapter", func(ctx context.Context) error {
		return e.SyncChapterToCloud(ctx, userID, chapterID, completed)
	})
	return nil
}

// SyncChapterToCloud upserts or deletes the (user, chapter) row. Re-applying
// either direction is a no-op; deleting an absent row is not an error.
func (e *Engine) SyncChapterToCloud(ctx context.Context, userID uint, chapterID int, completed bool) error {
	if completed {
		row := remote.Row{"user_id": userID, "chapter_id": chapterID}
		return e.store.Upsert(ctx, "progress", []remote.Row{row}, "user_id,chapter_id")
	}
	return e.store.Delete(ctx, "progress", remote.Filter{"user_id": userID, "chapter_id": chapterID})
}

// Drain waits for all background pushes to finish. Used by tests and on
// orderly shutdown; the UI never waits on it.
func (e *Engine) Drain() {
	e.tasks.Drain()
}

// Close drains and stops the background worker.
func (e *Engine) Close() {
	e.tasks.Close()
}

// MergeQuizScores merges two per-chapter score maps, keeping the record with
// the higher score for every chapter present in either. On an exact tie the
// cloud record wins since it is already durable. Pure, commutative with that
// tie rule, and idempotent.
func MergeQuizScores(local, cloud map[int]models.QuizScoreRecord) map[int]models.QuizScoreRecord {
	merged := make(map[int]models.QuizScoreRecord, len(local)+len(cloud))
	for id, rec := range cloud {
		merged[id] = rec
	}
	for id, rec := range local {
		existing, ok := merged[id]
		if !ok || rec.Score > existing.Score {
			merged[id] = rec
		}
	}
	return merged
}

func (e *Engine) fetchCloudChapters(ctx context.Context, userID uint) ([]int, error) {
	rows, err := e.store.Select(ctx, "progress", remote.Filter{"user_id": userID})
	if err != nil {
		return nil, err
	}
	chapters := make([]int, 0, len(rows))
	for _, row := range rows {
		id, err := row.Int("chapter_id")
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, id)
	}
	return chapters, nil
}

func (e *Engine) fetchCloudScores(ctx context.Context, userID uint) (map[int]models.QuizScoreRecord, error) {
	rows, err := e.store.Select(ctx, "user_best_quiz_scores", remote.Filter{"user_id": userID})
	if err != nil {
		return nil, err
	}
	scores := make(map[int]models.QuizScoreRecord, len(rows))
	for _, row := range rows {
		chapterID, err := row.Int("chapter_id")
		if err != nil {
			return nil, err
		}
		rec, err := scoreRecordFromRow(row)
		if err != nil {
			return nil, err
		}
		scores[chapterID] = rec
	}
	return scores, nil
}

func (e *Engine) pushChapters(ctx context.Context, userID uint, chapters []int) error {
	rows := make([]remote.Row, 0, len(chapters))
	for _, id := range chapters {
		rows = append(rows, remote.Row{"user_id": userID, "chapter_id": id})
	}
	return e.store.Upsert(ctx, "progress", rows, "user_id,chapter_id")
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

func unionChapters(a, b []int) []int {
	set := make(map[int]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// diffChapters returns the chapters in a that are not in b.
func diffChapters(a, b []int) []int {
	have := make(map[int]struct{}, len(b))
	for _, id := range b {
		have[id] = struct{}{}
	}
	var out []int
	for _, id := range a {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func logRemoteErr(op string, err error) {
	if remote.IsNetwork(err) {
		log.Printf("debug: %s: %v", op, err)
		return
	}
	log.Printf("%s failed: %v", op, err)
}
