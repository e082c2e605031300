package http_reporter

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/internal/observability"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// Options configures the router.
type Options struct {
	// Root is the path prefix, without slashes, e.g. "profiler".
	Root string
	// Gate runs before every route. Nil means no access control.
	Gate gin.HandlerFunc
	// Gatherer backs GET /<root>/metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// Metrics counts failed storage reads. May be nil.
	Metrics *observability.Metrics
	Logger  *zap.Logger
	// Now is the clock used for default query windows.
	Now func() time.Time
}

// NewRouter builds the query API over store.
func NewRouter(store domain.Store, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	h := &handler{store: store, log: opts.Logger, metrics: opts.Metrics, now: opts.Now}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger), noIndex)

	group := r.Group(Prefix(opts.Root))
	if opts.Gate != nil {
		group.Use(opts.Gate)
	}

	api := group.Group("/api/measurements")
	api.GET("/", h.listMeasurements)
	api.GET("/grouped", h.groupedMeasurements)
	api.GET("/timeseries/", h.timeseries)
	api.GET("/methodDistribution/", h.methodDistribution)
	api.GET("/:id", h.getMeasurement)
	api.DELETE("/:id", h.deleteMeasurement)

	db := group.Group("/db")
	db.GET("/dumpDatabase", h.dumpDatabase)
	db.GET("/deleteDatabase", h.deleteDatabase)

	if opts.Gatherer != nil {
		group.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Prefix turns an endpoint root into a router path prefix.
func Prefix(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return "/"
	}
	return "/" + root
}

func noIndex(c *gin.Context) {
	c.Header("X-Robots-Tag", "noindex, nofollow")
	c.Next()
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Error("profiler api request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("profiler api request", fields...)
	}
}
