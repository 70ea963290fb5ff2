package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/ingest"
	"edgefleet-server/internal/model"
)

type EventHandler struct {
	Fleet *fleet.Fleet
}

func (h *EventHandler) List(c *gin.Context) {
	q, ok := eventQuery(c)
	if !ok {
		return
	}
	if kind := c.Query("kind"); kind != "" {
		q.Kind = model.EventKind(kind)
		if !q.Kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event kind"})
			return
		}
	}
	h.respond(c, q)
}

func (h *EventHandler) Alerts(c *gin.Context) {
	q, ok := eventQuery(c)
	if !ok {
		return
	}
	q.Kind = model.EventAlert
	switch c.Query("acknowledged") {
	case "":
	case "true":
		v := true
		q.Acknowledged = &v
	case "false":
		v := false
		q.Acknowledged = &v
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid acknowledged filter"})
		return
	}
	h.respond(c, q)
}

func (h *EventHandler) respond(c *gin.Context, q ingest.Query) {
	records, err := h.Fleet.Pipeline.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

func (h *EventHandler) Acknowledge(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.Fleet.Pipeline.Get(ctx, c.Param("id"))
	if err != nil || !cl.CanAccessTenant(rec.TenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}

	rec, err = h.Fleet.Pipeline.AcknowledgeAlert(ctx, rec.ID, cl.OperatorID)
	switch {
	case errors.Is(err, ingest.ErrNotAlert):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event is not an alert"})
	case errors.Is(err, ingest.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"event": rec})
	}
}

// AcknowledgeAll closes every open alert the caller can see.
func (h *EventHandler) AcknowledgeAll(c *gin.Context) {
	tenantID, ok := queryTenant(c)
	if !ok {
		return
	}
	cl, _ := claims(c)
	n, err := h.Fleet.Pipeline.AcknowledgeAll(c.Request.Context(), tenantID, cl.OperatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "acknowledged": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}

func (h *EventHandler) UnacknowledgedCount(c *gin.Context) {
	tenantID, ok := queryTenant(c)
	if !ok {
		return
	}
	n, err := h.Fleet.Pipeline.UnacknowledgedCount(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

var analyticsPeriods = map[string]time.Duration{
	"hour": time.Hour,
	"day":  24 * time.Hour,
}

// Detections buckets detections per object class. The window defaults to
// the last 24 hours.
func (h *EventHandler) Detections(c *gin.Context) {
	q, ok := analyticsQuery(c)
	if !ok {
		return
	}
	name := c.DefaultQuery("period", "hour")
	period, ok := analyticsPeriods[name]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid period"})
		return
	}
	counts, err := h.Fleet.Pipeline.DetectionCounts(c.Request.Context(), q, period)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": name, "since": q.Since, "until": q.Until, "counts": counts})
}

func (h *EventHandler) Zones(c *gin.Context) {
	q, ok := analyticsQuery(c)
	if !ok {
		return
	}
	zones, err := h.Fleet.Pipeline.ZoneActivity(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": q.Since, "until": q.Until, "zones": zones})
}

func analyticsQuery(c *gin.Context) (ingest.Query, bool) {
	q, ok := eventQuery(c)
	if !ok {
		return ingest.Query{}, false
	}
	if q.Until.IsZero() {
		q.Until = time.Now().UTC()
	}
	if q.Since.IsZero() {
		q.Since = q.Until.Add(-24 * time.Hour)
	}
	if !q.Since.Before(q.Until) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be before until"})
		return ingest.Query{}, false
	}
	return q, true
}

func eventQuery(c *gin.Context) (ingest.Query, bool) {
	tenantID, ok := queryTenant(c)
	if !ok {
		return ingest.Query{}, false
	}
	limit, ok := limitParam(c, ingest.DefaultQueryLimit)
	if !ok {
		return ingest.Query{}, false
	}
	q := ingest.Query{
		TenantID: tenantID,
		DeviceID: c.Query("deviceId"),
		CameraID: c.Query("cameraId"),
		Limit:    limit,
	}
	for param, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + " timestamp"})
			return ingest.Query{}, false
		}
		*dst = t
	}
	return q, true
}
