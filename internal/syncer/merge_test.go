package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnsync/internal/localstore"
	"learnsync/internal/models"
	"learnsync/internal/remote"
)

type fakeStore struct {
	mu sync.Mutex

	progressRows []remote.Row
	bestRows     []remote.Row
	selectErr    error
	upsertErr    error

	upserts []upsertCall
	deletes []remote.Filter
}

type upsertCall struct {
	table       string
	rows        []remote.Row
	conflictKey string
}

func (f *fakeStore) Select(_ context.Context, table string, _ remote.Filter) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	switch table {
	case "progress":
		return append([]remote.Row(nil), f.progressRows...), nil
	case "user_best_quiz_scores":
		return append([]remote.Row(nil), f.bestRows...), nil
	}
	return nil, nil
}

func (f *fakeStore) Upsert(_ context.Context, table string, rows []remote.Row, conflictKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, upsertCall{table: table, rows: rows, conflictKey: conflictKey})
	return nil
}

func (f *fakeStore) Delete(_ context.Context, _ string, filter remote.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, filter)
	return nil
}

func (f *fakeStore) RPC(context.Context, string, map[string]any) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []savedAttempt
}

type savedAttempt struct {
	chapterID int
	score     int
	total     int
}

func (f *fakeSaver) SaveAttempt(_ context.Context, chapterID, score, total int, _ bool, _ *int) (*models.QuizAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedAttempt{chapterID: chapterID, score: score, total: total})
	return &models.QuizAttempt{ChapterID: chapterID, Score: score}, nil
}

func progressRow(userID uint, chapterID int) remote.Row {
	return remote.Row{"user_id": float64(userID), "chapter_id": float64(chapterID)}
}

func bestRow(chapterID, score, total int, passed bool) remote.Row {
	return remote.Row{
		"chapter_id":      float64(chapterID),
		"score":           float64(score),
		"total_questions": float64(total),
		"passed":          passed,
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}
}

func rec(score, total int) models.QuizScoreRecord {
	return models.QuizScoreRecord{Score: score, TotalQuestions: total, Passed: score*2 >= total}
}

func openTestLocal(t *testing.T) *localstore.Store {
	t.Helper()
	local, err := localstore.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	return local
}

func TestMergeAllProgress_SignInScenario(t *testing.T) {
	store := &fakeStore{
		progressRows: []remote.Row{progressRow(7, 2), progressRow(7, 3)},
		bestRows:     []remote.Row{bestRow(1, 5, 5, true), bestRow(2, 3, 5, false)},
	}
	saver := &fakeSaver{}
	engine := NewEngine(store, saver, openTestLocal(t))
	defer engine.Close()

	local := map[int]models.QuizScoreRecord{1: rec(4, 5)}
	merged := engine.MergeAllProgress(context.Background(), 7, []int{1, 2}, local)

	assert.Equal(t, []int{1, 2, 3}, merged.Chapters)
	assert.Equal(t, 5, merged.QuizScores[1].Score, "cloud's higher score wins chapter 1")
	assert.Equal(t, 3, merged.QuizScores[2].Score, "cloud-only record is kept")

	engine.Drain()

	// Chapter 1 existed only locally and must be pushed.
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "progress", store.upserts[0].table)
	require.Len(t, store.upserts[0].rows, 1)
	id, err := store.upserts[0].rows[0].Int("chapter_id")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	// The cloud already had a better score for chapter 1; nothing to save.
	assert.Empty(t, saver.saved)
}

func TestMergeAllProgress_LocalScoreWinPushedViaLedger(t *testing.T) {
	store := &fakeStore{
		bestRows: []remote.Row{bestRow(4, 2, 5, false)},
	}
	saver := &fakeSaver{}
	engine := NewEngine(store, saver, openTestLocal(t))
	defer engine.Close()

	local := map[int]models.QuizScoreRecord{
		4: rec(5, 5), // beats cloud's 2
		9: rec(1, 5), // cloud has nothing for chapter 9
	}
	merged := engine.MergeAllProgress(context.Background(), 7, nil, local)

	assert.Equal(t, 5, merged.QuizScores[4].Score)
	assert.Equal(t, 1, merged.QuizScores[9].Score)

	engine.Drain()

	require.Len(t, saver.saved, 2)
	chapters := map[int]bool{}
	for _, s := range saver.saved {
		chapters[s.chapterID] = true
	}
	assert.True(t, chapters[4])
	assert.True(t, chapters[9])
}

func TestMergeAllProgress_FailOpenOnNetworkLoss(t *testing.T) {
	store := &fakeStore{
		selectErr: &remote.NetworkError{Op: "select", Err: errors.New("connection refused")},
	}
	saver := &fakeSaver{}
	engine := NewEngine(store, saver, openTestLocal(t))
	defer engine.Close()

	localChapters := []int{3, 1}
	localScores := map[int]models.QuizScoreRecord{1: rec(2, 5)}
	merged := engine.MergeAllProgress(context.Background(), 7, localChapters, localScores)

	assert.Equal(t, localChapters, merged.Chapters, "inputs returned unchanged")
	assert.Equal(t, localScores, merged.QuizScores)

	engine.Drain()
	assert.Empty(t, store.upserts, "no pushes attempted after failed fetch")
	assert.Empty(t, saver.saved)
}

func TestMergeAllProgress_PersistsMergedView(t *testing.T) {
	store := &fakeStore{
		progressRows: []remote.Row{progressRow(7, 5)},
	}
	local := openTestLocal(t)
	engine := NewEngine(store, &fakeSaver{}, local)
	defer engine.Close()

	require.NoError(t, local.MarkCompleted(context.Background(), 2))
	engine.MergeAllProgress(context.Background(), 7, []int{2}, nil)

	chapters, err := local.Completed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, chapters)
}

func TestMarkChapterCompleted_DualWrite(t *testing.T) {
	store := &fakeStore{}
	local := openTestLocal(t)
	engine := NewEngine(store, &fakeSaver{}, local)
	defer engine.Close()

	require.NoError(t, engine.MarkChapterCompleted(context.Background(), 7, 11, true))
	engine.Drain()

	chapters, err := local.Completed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{11}, chapters)

	require.Len(t, store.upserts, 1)
	assert.Equal(t, "user_id,chapter_id", store.upserts[0].conflictKey)

	// Un-marking deletes the remote row.
	require.NoError(t, engine.MarkChapterCompleted(context.Background(), 7, 11, false))
	engine.Drain()
	require.Len(t, store.deletes, 1)

	chapters, err = local.Completed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chapters)
}

func TestMarkChapterCompleted_AnonymousStaysLocal(t *testing.T) {
	store := &fakeStore{}
	engine := NewEngine(store, &fakeSaver{}, openTestLocal(t))
	defer engine.Close()

	require.NoError(t, engine.MarkChapterCompleted(context.Background(), 0, 3, true))
	engine.Drain()
	assert.Empty(t, store.upserts)
}

func TestMergeQuizScores_MaxMerge(t *testing.T) {
	local := map[int]models.QuizScoreRecord{1: rec(4, 5)}
	cloud := map[int]models.QuizScoreRecord{1: rec(3, 5)}

	merged := MergeQuizScores(local, cloud)
	assert.Equal(t, 4, merged[1].Score, "higher local score wins")

	merged = MergeQuizScores(cloud, local)
	assert.Equal(t, 4, merged[1].Score, "direction does not matter")
}

func TestMergeQuizScores_TieKeepsCloud(t *testing.T) {
	local := map[int]models.QuizScoreRecord{1: {Score: 4, TotalQuestions: 5, Passed: false}}
	cloud := map[int]models.QuizScoreRecord{1: {Score: 4, TotalQuestions: 5, Passed: true}}

	merged := MergeQuizScores(local, cloud)
	assert.True(t, merged[1].Passed, "exact tie prefers the already-durable cloud record")
}

func TestMergeQuizScores_Idempotent(t *testing.T) {
	a := map[int]models.QuizScoreRecord{1: rec(4, 5), 2: rec(2, 5)}
	b := map[int]models.QuizScoreRecord{2: rec(3, 5), 7: rec(5, 5)}

	once := MergeQuizScores(a, b)
	twice := MergeQuizScores(once, b)
	assert.Equal(t, once, twice, "merge(merge(A,B), B) == merge(A,B)")
}

func TestUnionChapters_Idempotent(t *testing.T) {
	a := []int{3, 1, 2, 2}
	b := []int{2, 4}

	ab := unionChapters(a, b)
	ba := unionChapters(b, a)
	assert.Equal(t, []int{1, 2, 3, 4}, ab)
	assert.Equal(t, ab, ba, "order-independent")
	assert.Equal(t, ab, unionChapters(ab, b), "duplicate-safe")
}

func TestDiffChapters(t *testing.T) {
	assert.Equal(t, []int{1}, diffChapters([]int{1, 2}, []int{2, 3}))
	assert.Empty(t, diffChapters([]int{2}, []int{2, 3}))
	assert.Equal(t, []int{5, 6}, diffChapters([]int{5, 6}, nil))
}
