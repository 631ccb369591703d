package progress

import (
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
)

// Recorder mirrors store changes into the job_progress table so the console
// can show the last known state after a restart. Writes happen on a
// background goroutine; bursts for the same job collapse into one write.
type Recorder struct {
	db  *gorm.DB
	log *logger.Logger

	mu      sync.Mutex
	pending map[string]Change

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRecorder returns a recorder writing to db.
func NewRecorder(db *gorm.DB, log *logger.Logger) *Recorder {
	return &Recorder{
		db:      db,
		log:     logger.OrDefault(log).Component("recorder"),
		pending: make(map[string]Change),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start watches s and persists its changes until the returned func is
// called. The stop func flushes outstanding writes before returning.
func (r *Recorder) Start(s *Store) (stop func()) {
	cancel := s.Watch(r.enqueue)
	go r.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			close(r.stop)
			<-r.done
		})
	}
}

func (r *Recorder) enqueue(c Change) {
	r.mu.Lock()
	r.pending[c.JobID] = c
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			if err := r.Flush(); err != nil {
				r.log.WithError(err).Error("Failed to persist progress")
			}
		case <-r.stop:
			if err := r.Flush(); err != nil {
				r.log.WithError(err).Error("Failed to persist progress")
			}
			return
		}
	}
}

// Flush writes every pending change.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]Change)
	r.mu.Unlock()

	var firstErr error
	for id, c := range batch {
		var err error
		if c.Kind == ChangeCleared {
			err = r.Delete(id)
		} else {
			err = r.Save(c.Record)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Save upserts one record.
func (r *Recorder) Save(rec Record) error {
	row, err := toModel(rec)
	if err != nil {
		return err
	}
	err = r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save progress %s: %w", rec.JobID, err)
	}
	return nil
}

// Delete removes the snapshot of jobID.
func (r *Recorder) Delete(jobID string) error {
	if err := r.db.Delete(&models.JobProgress{}, "job_id = ?", jobID).Error; err != nil {
		return fmt.Errorf("delete progress %s: %w", jobID, err)
	}
	return nil
}

// Load reads every stored snapshot.
func (r *Recorder) Load() (map[string]Record, error) {
	var rows []models.JobProgress
	if err := r.db.Order("job_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	out := make(map[string]Record, len(rows))
	for _, row := range rows {
		rec, err := fromModel(row)
		if err != nil {
			r.log.WithError(err).WithField(logger.FieldJobID, row.JobID).Warn("Skipping unreadable snapshot")
			continue
		}
		out[row.JobID] = rec
	}
	return out, nil
}

// Rehydrate replaces the contents of s with the stored snapshots and returns
// how many were loaded.
func (r *Recorder) Rehydrate(s *Store) (int, error) {
	state, err := r.Load()
	if err != nil {
		return 0, err
	}
	s.ReplaceAll(state)
	r.log.Infof("Rehydrated %d progress records", len(state))
	return len(state), nil
}

func toModel(rec Record) (models.JobProgress, error) {
	row := models.JobProgress{
		JobID:      rec.JobID,
		Status:     string(rec.Status),
		Message:    rec.Message,
		Progress:   rec.Progress,
		Paused:     rec.Paused,
		Stopped:    rec.Stopped,
		ActionType: string(rec.ActionType),
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.Data != nil {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return row, fmt.Errorf("encode detail: %w", err)
		}
		row.Data = string(b)
	}
	return row, nil
}

func fromModel(row models.JobProgress) (Record, error) {
	rec := Record{
		JobID:      row.JobID,
		Status:     Status(row.Status),
		Message:    row.Message,
		Progress:   row.Progress,
		Paused:     row.Paused,
		Stopped:    row.Stopped,
		ActionType: ActionType(row.ActionType),
		UpdatedAt:  row.UpdatedAt,
	}
	if row.Data != "" {
		var d Detail
		if err := json.Unmarshal([]byte(row.Data), &d); err != nil {
			return rec, fmt.Errorf("decode detail: %w", err)
		}
		rec.Data = &d
	}
	return rec, nil
}
