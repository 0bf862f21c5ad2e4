package tracker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// GetUsage handles GET /api/providers/usage requests.
// It serves the cached aggregate and only refreshes when nothing is cached yet.
func (h *Handler) GetUsage(c *gin.Context) {
	records := h.usage.GetAllUsage(c.Request.Context(), false)
	c.JSON(http.StatusOK, nonNil(records))
}

// RefreshUsage handles POST /api/providers/usage/refresh requests.
// Qualifying records of the forced refresh are persisted before responding.
func (h *Handler) RefreshUsage(c *gin.Context) {
	ctx := c.Request.Context()
	records := h.usage.GetAllUsage(ctx, true)

	stored, err := h.recorder.Record(ctx, records)
	if err != nil {
		log.WithError(err).Error("Failed to persist refreshed usage")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to persist usage: " + err.Error(),
		})
		return
	}

	log.WithFields(log.Fields{
		"records": len(records),
		"stored":  stored,
	}).Info("Manual refresh completed")
	c.JSON(http.StatusOK, nonNil(records))
}

// GetProviderUsage handles GET /api/providers/:id/usage requests.
func (h *Handler) GetProviderUsage(c *gin.Context) {
	id := c.Param("id")
	h.usage.GetAllUsage(c.Request.Context(), false)

	record, ok := h.usage.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "provider not found: " + id,
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetDiscovered handles GET /api/providers/discovered requests.
// The background discovery result is served when present, else discovery runs inline.
func (h *Handler) GetDiscovered(c *gin.Context) {
	configs, ok := h.snapshot.Get()
	if !ok {
		configs = h.discover()
	}
	c.JSON(http.StatusOK, nonNil(configs))
}

// Discover handles POST /api/discover requests.
func (h *Handler) Discover(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(h.discover()))
}

func (h *Handler) discover() []usage.ProviderConfig {
	configs := h.configs.LoadConfig()
	h.snapshot.Set(configs)
	log.WithField("providers", len(configs)).Debug("Discovery completed")
	return configs
}
