package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/jobs"
	"store-sync-service/internal/services"
)

// JobBrowser reads queue state
type JobBrowser interface {
	ListJobs(ctx context.Context, state jobs.State, limit int64) ([]jobs.Job, error)
	Counts(ctx context.Context) (map[jobs.State]int64, error)
}

// SyncHandler handles sync trigger and status endpoints
type SyncHandler struct {
	stores *services.StoreService
	queue  JobBrowser
	logger *logrus.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(stores *services.StoreService, queue JobBrowser, logger *logrus.Logger) *SyncHandler {
	return &SyncHandler{
		stores: stores,
		queue:  queue,
		logger: logger,
	}
}

// TriggerSync queues a one-off sync of a store
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	job, err := h.stores.TriggerSync(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
			return
		}
		h.logger.WithError(err).WithField("store_id", id.String()).Error("Failed to trigger sync")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue sync"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

// GetSyncStatus returns a store's sync status and recent runs
func (h *SyncHandler) GetSyncStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	status, err := h.stores.GetSyncStatus(c.Request.Context(), id, limit)
	if err != nil {
		if errors.Is(err, services.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// ListJobs returns queue jobs in one state along with per-state counts
func (h *SyncHandler) ListJobs(c *gin.Context) {
	state := jobs.State(c.DefaultQuery("state", string(jobs.StateFailed)))
	switch state {
	case jobs.StateWaiting, jobs.StateActive, jobs.StateDelayed, jobs.StateCompleted, jobs.StateFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	list, err := h.queue.ListJobs(c.Request.Context(), state, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := h.queue.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   list,
		"counts": counts,
	})
}
