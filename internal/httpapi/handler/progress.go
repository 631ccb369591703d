package handler

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"taqeem-console/internal/httpapi/middleware"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

// ProgressStore is the read side of the progress store plus Clear.
type ProgressStore interface {
	Get(jobID string) (progress.Record, bool)
	Snapshot() map[string]progress.Record
	Clear(jobID string) bool
	Watch(fn func(progress.Change)) (cancel func())
}

// ProgressHandler serves progress records.
type ProgressHandler struct {
	store     ProgressStore
	keepAlive time.Duration
}

// NewProgressHandler creates a progress handler. keepAlive is the interval of
// comment frames on idle streams; zero uses 15s.
func NewProgressHandler(store ProgressStore, keepAlive time.Duration) *ProgressHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &ProgressHandler{store: store, keepAlive: keepAlive}
}

// ListResponse is the body of GET /api/v1/progress.
type ListResponse struct {
	Records []progress.Record `json:"records"`
	Count   int               `json:"count"`
}

// List handles GET /api/v1/progress. An optional status query filters by
// displayed status.
func (h *ProgressHandler) List(c *gin.Context) {
	var want progress.Status
	if q := c.Query("status"); q != "" {
		st, ok := progress.ParseStatus(q)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + q})
			return
		}
		want = st
	}

	snap := h.store.Snapshot()
	records := make([]progress.Record, 0, len(snap))
	for _, rec := range snap {
		if want != "" && rec.DisplayStatus() != want {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].JobID < records[j].JobID })

	c.JSON(http.StatusOK, ListResponse{Records: records, Count: len(records)})
}

// Get handles GET /api/v1/progress/:jobId.
func (h *ProgressHandler) Get(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("jobId"))
	rec, ok := h.store.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no progress for job " + jobID})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete handles DELETE /api/v1/progress/:jobId.
func (h *ProgressHandler) Delete(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("jobId"))
	if !h.store.Clear(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no progress for job " + jobID})
		return
	}
	middleware.GetLogger(c).WithField(logger.FieldJobID, jobID).Info("Cleared progress")
	c.Status(http.StatusNoContent)
}

// Stream handles GET /api/v1/progress/:jobId/stream. It sends the current
// record, then every change as a "progress" event, and a "cleared" event
// when the record is removed. Bursts are coalesced to the latest change.
func (h *ProgressHandler) Stream(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("jobId"))
	log := middleware.GetLogger(c).WithField(logger.FieldJobID, jobID)

	latest := newLatestChange()
	cancel := h.store.Watch(func(ch progress.Change) {
		if ch.JobID == jobID {
			latest.put(ch)
		}
	})
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if rec, ok := h.store.Get(jobID); ok {
		c.SSEvent("progress", rec)
	}
	c.Writer.Flush()
	log.Debug("Progress stream opened")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ch := <-latest.ch:
			if ch.Kind == progress.ChangeCleared {
				c.SSEvent("cleared", gin.H{"jobId": jobID})
				return true
			}
			c.SSEvent("progress", ch.Record)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
	log.Debug("Progress stream closed")
}

// latestChange holds at most one pending change. put never blocks, so store
// writers are not held up by a slow stream.
type latestChange struct {
	mu sync.Mutex
	ch chan progress.Change
}

func newLatestChange() *latestChange {
	return &latestChange{ch: make(chan progress.Change, 1)}
}

func (l *latestChange) put(ch progress.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- ch:
	default:
	}
}
