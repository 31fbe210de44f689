package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/middleware"
	"store-sync-service/internal/services"
)

// StoreHandler handles store onboarding endpoints
type StoreHandler struct {
	service *services.StoreService
	logger  *logrus.Logger
}

// NewStoreHandler creates a new store handler
func NewStoreHandler(service *services.StoreService, logger *logrus.Logger) *StoreHandler {
	return &StoreHandler{service: service, logger: logger}
}

// SaveConfig saves store credentials and thresholds, then queues the first sync
func (h *StoreHandler) SaveConfig(c *gin.Context) {
	var req services.SaveConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if userID := middleware.GetUserID(c); userID != "" {
		req.UserID = userID
	}

	result, err := h.service.SaveConfig(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": result})
	case errors.Is(err, services.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrCredentialsRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store credentials"})
	case result != nil:
		// Saved, but the sync could not be queued
		h.logger.WithError(err).WithField("store_id", result.Store.ID.String()).Error("Store saved without queued sync")
		c.JSON(http.StatusAccepted, gin.H{"data": result, "warning": "store saved but sync not queued"})
	default:
		h.logger.WithError(err).Error("Failed to save store config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save store config"})
	}
}

// GetConfig returns a saved store without its credentials
func (h *StoreHandler) GetConfig(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	store, err := h.service.GetConfig(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": store})
	case errors.Is(err, services.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
	default:
		h.logger.WithError(err).WithField("store_id", id.String()).Error("Failed to load store config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load store config"})
	}
}

// TestConnection checks the saved credentials against the remote store
func (h *StoreHandler) TestConnection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	result, err := h.service.TestConnection(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": result})
	case errors.Is(err, services.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
	case errors.Is(err, services.ErrCredentialsRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store credentials"})
	default:
		h.logger.WithError(err).WithField("store_id", id.String()).Error("Store connection test failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "remote store unreachable"})
	}
}
