package tracker

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ai-consumption-tracker/aict/internal/persistence"
)

const defaultRawResponseLimit = 20

// HistoryEntry is one persisted record with its derived percentage.
type HistoryEntry struct {
	persistence.HistoricalUsageRecord
	UsagePercentage float64 `json:"usage_percentage"`
}

// GetHistory handles GET /api/history requests.
//
// Query parameters:
//   - provider_id: Optional provider filter
//   - start_date, end_date: RFC3339 timestamps or YYYY-MM-DD dates
//   - limit: Maximum number of rows, newest first
func (h *Handler) GetHistory(c *gin.Context) {
	filter := persistence.QueryFilter{ProviderID: c.Query("provider_id")}

	from, err := parseDate(c.Query("start_date"), false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid 'start_date' parameter: " + err.Error(),
		})
		return
	}
	to, err := parseDate(c.Query("end_date"), true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid 'end_date' parameter: " + err.Error(),
		})
		return
	}
	filter.From, filter.To = from, to

	if filter.Limit, err = parseLimit(c.Query("limit"), 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid 'limit' parameter: " + err.Error(),
		})
		return
	}

	records := h.storage.QueryUsageRecords(c.Request.Context(), filter)
	entries := make([]HistoryEntry, len(records))
	for i, r := range records {
		entries[i] = HistoryEntry{HistoricalUsageRecord: r, UsagePercentage: r.UsagePercentage()}
	}
	c.JSON(http.StatusOK, entries)
}

// GetRawResponses handles GET /api/raw_responses requests.
func (h *Handler) GetRawResponses(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultRawResponseLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid 'limit' parameter: " + err.Error(),
		})
		return
	}
	responses := h.storage.GetRawResponses(c.Request.Context(), c.Query("provider_id"), limit)
	c.JSON(http.StatusOK, nonNil(responses))
}

// GetResetEvents handles GET /api/reset_events requests.
func (h *Handler) GetResetEvents(c *gin.Context) {
	events := h.storage.GetResetEvents(c.Request.Context(), c.Query("provider_id"))
	c.JSON(http.StatusOK, nonNil(events))
}

// parseDate accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseLimit(s string, defaultValue int) (int, error) {
	if s == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}
