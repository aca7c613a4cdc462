package progress

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"learnsync/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "progress.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Progress{},
		&models.QuizAttempt{},
		&models.AttemptCounter{},
	))
	return db
}

func testAttempt(userID uint, chapterID, number int) *models.QuizAttempt {
	return &models.QuizAttempt{
		ID:             uuid.NewString(),
		UserID:         userID,
		ChapterID:      chapterID,
		Score:          3,
		TotalQuestions: 5,
		Passed:         true,
		AttemptNumber:  number,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestNextAttemptNumber_SequentialGapFree(t *testing.T) {
	repo := NewRepository(openTestDB(t))

	for want := 1; want <= 5; want++ {
		n, err := repo.NextAttemptNumber(7, 3)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestNextAttemptNumber_CountersAreIndependent(t *testing.T) {
	repo := NewRepository(openTestDB(t))

	n, err := repo.NextAttemptNumber(7, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.NextAttemptNumber(7, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A different chapter, and a different user, each start fresh.
	n, err = repo.NextAttemptNumber(7, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.NextAttemptNumber(8, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertAttempt_ReplayIsNoOp(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)

	attempt := testAttempt(7, 3, 1)
	require.NoError(t, repo.InsertAttempt(attempt))

	// A client retrying after a lost response sends the identical row again.
	replay := *attempt
	require.NoError(t, repo.InsertAttempt(&replay))

	var count int64
	require.NoError(t, db.Model(&models.QuizAttempt{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestInsertAttempt_KeepsDuplicateFallbackNumbers(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)

	// Two attempts saved while the sequence was unreachable both carry
	// number 1. Both must persist; losing the second would be data loss.
	require.NoError(t, repo.InsertAttempt(testAttempt(7, 3, 1)))
	require.NoError(t, repo.InsertAttempt(testAttempt(7, 3, 1)))

	attempts, err := repo.GetAttempts(7, 3)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestUpsertProgress_Idempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)

	require.NoError(t, repo.UpsertProgress(7, 3))
	require.NoError(t, repo.UpsertProgress(7, 3))

	rows, err := repo.GetProgress(7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].ChapterID)
}

func TestDeleteProgress_AbsenceIsNotAnError(t *testing.T) {
	repo := NewRepository(openTestDB(t))

	require.NoError(t, repo.DeleteProgress(7, 99))

	require.NoError(t, repo.UpsertProgress(7, 3))
	require.NoError(t, repo.DeleteProgress(7, 3))
	rows, err := repo.GetProgress(7)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
