package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection so every goroutine sees the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.JobProgress{}))
	return db
}

func TestRecorder(t *testing.T) {
	t.Run("Should persist and rehydrate records", func(t *testing.T) {
		db := newTestDB(t)
		store := newTestStore()
		rec := NewRecorder(db, logger.Discard())
		stop := rec.Start(store)

		_, _, err := store.Upsert("R1", Update{
			Status:     Ptr(StatusProcessing),
			Message:    Ptr("Editing"),
			Progress:   Ptr(40.0),
			Paused:     Ptr(true),
			ActionType: Ptr(ActionSubmit),
			Data:       &Detail{Current: 4, Total: 10, MacroID: "m-4", NumTabs: 3},
		})
		require.NoError(t, err)
		_, _, err = store.Upsert("R2", Update{Status: Ptr(StatusComplete), Progress: Ptr(100.0)})
		require.NoError(t, err)
		stop()

		fresh := newTestStore()
		n, err := NewRecorder(db, logger.Discard()).Rehydrate(fresh)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, ok := fresh.Get("R1")
		require.True(t, ok)
		assert.Equal(t, StatusProcessing, got.Status)
		assert.Equal(t, "Editing", got.Message)
		assert.Equal(t, 40.0, got.Progress)
		assert.True(t, got.Paused)
		assert.Equal(t, ActionSubmit, got.ActionType)
		require.NotNil(t, got.Data)
		assert.Equal(t, 4, got.Data.Current)
		assert.Equal(t, "m-4", got.Data.MacroID)

		done, _ := fresh.Get("R2")
		assert.Equal(t, StatusComplete, done.Status)
		assert.Nil(t, done.Data)
	})

	t.Run("Should delete snapshots of cleared records", func(t *testing.T) {
		db := newTestDB(t)
		store := newTestStore()
		rec := NewRecorder(db, logger.Discard())
		stop := rec.Start(store)

		_, _, err := store.Upsert("R1", Update{Progress: Ptr(10.0)})
		require.NoError(t, err)
		require.NoError(t, rec.Flush())
		store.Clear("R1")
		stop()

		var count int64
		require.NoError(t, db.Model(&models.JobProgress{}).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("Should keep only the latest state of a burst", func(t *testing.T) {
		db := newTestDB(t)
		store := newTestStore()
		rec := NewRecorder(db, logger.Discard())
		stop := rec.Start(store)

		for i := 1; i <= 50; i++ {
			_, _, err := store.Upsert("R1", Update{Progress: Ptr(float64(i))})
			require.NoError(t, err)
		}
		stop()

		var row models.JobProgress
		require.NoError(t, db.First(&row, "job_id = ?", "R1").Error)
		assert.Equal(t, 50.0, row.Progress)
	})

	t.Run("Should skip unreadable rows", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Create(&models.JobProgress{JobID: "bad", Status: "PROCESSING", Data: "{not json"}).Error)
		require.NoError(t, db.Create(&models.JobProgress{JobID: "good", Status: "FAILED"}).Error)

		loaded, err := NewRecorder(db, logger.Discard()).Load()
		require.NoError(t, err)
		assert.Len(t, loaded, 1)
		assert.Equal(t, StatusFailed, loaded["good"].Status)
	})
}
