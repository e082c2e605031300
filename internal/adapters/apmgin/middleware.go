// Package apmgin measures requests served by a gin engine.
package apmgin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/internal/adapters/apmhttp"
	"github.com/fllarpy/request-profiler/internal/capture"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// measuredKey marks a gin context whose request is already being measured.
const measuredKey = "request_profiler.measured"

// Middleware records every request under its route template (c.FullPath),
// falling back to the handler name for unmatched routes. Installing it more
// than once on the same chain records each request once.
func Middleware(rec *capture.Recorder, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}
	return func(c *gin.Context) {
		if !rec.Enabled() || c.GetBool(measuredKey) {
			c.Next()
			return
		}
		c.Set(measuredKey, true)

		target := capture.Target{
			Name:   c.FullPath(),
			Method: c.Request.Method,
			ContextFunc: func() map[string]any {
				return apmhttp.Snapshot(c.Request, c.HandlerName())
			},
		}
		if target.Name == "" {
			target.Name = c.HandlerName()
		}

		kwargs := make(map[string]any, len(c.Params))
		for _, p := range c.Params {
			kwargs[p.Key] = p.Value
		}

		served := false
		_, err := rec.Record(c.Request.Context(), target, nil, kwargs, func(context.Context) (any, error) {
			served = true
			c.Next()
			return nil, nil
		})
		if err != nil && !served {
			log.Error("request not served", zap.String("name", target.Name), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": http.StatusText(http.StatusInternalServerError),
			})
		}
	}
}
