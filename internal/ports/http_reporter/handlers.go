package http_reporter

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/internal/observability"
)

type handler struct {
	store   domain.Store
	log     *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// filter parses the request parameters. The optional tz parameter selects
// the location used for time series labels.
func (h *handler) filter(c *gin.Context, kind query.Kind) (query.Filter, bool) {
	f, err := query.Parse(query.Values(c.Request.URL.Query()), kind, h.now())
	if err != nil {
		h.fail(c, err)
		return query.Filter{}, false
	}
	if tz := c.Query("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: tz %q", domain.ErrInvalidQuery, tz))
			return query.Filter{}, false
		}
		f.Location = loc
	}
	return f, true
}

func (h *handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	if errors.Is(err, domain.ErrInvalidQuery) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.metrics.StorageFailure(observability.OpQuery)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *handler) listMeasurements(c *gin.Context) {
	f, ok := h.filter(c, query.KindListing)
	if !ok {
		return
	}
	ms, err := h.store.Filter(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurements": ms})
}

func (h *handler) groupedMeasurements(c *gin.Context) {
	f, ok := h.filter(c, query.KindSummary)
	if !ok {
		return
	}
	rows, err := h.store.Summary(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurements": rows})
}

// getMeasurement answers null for an unknown id.
func (h *handler) getMeasurement(c *gin.Context) {
	m, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handler) deleteMeasurement(c *gin.Context) {
	deleted, err := h.store.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *handler) timeseries(c *gin.Context) {
	f, ok := h.filter(c, query.KindListing)
	if !ok {
		return
	}
	series, err := h.store.Timeseries(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": series})
}

func (h *handler) methodDistribution(c *gin.Context) {
	f, ok := h.filter(c, query.KindListing)
	if !ok {
		return
	}
	dist, err := h.store.MethodDistribution(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distribution": dist})
}

func (h *handler) dumpDatabase(c *gin.Context) {
	f, ok := h.filter(c, query.KindSummary)
	if !ok {
		return
	}
	rows, err := h.store.Summary(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=dump.json")
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

func (h *handler) deleteDatabase(c *gin.Context) {
	status, err := h.store.Truncate(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("measurements truncated through the api", zap.Bool("removed", status))
	c.JSON(http.StatusOK, gin.H{"status": status})
}
