// Package http_gate guards the query API. The gate is chosen by configuration:
// no check, HTTP basic credentials, or a session check supplied by the host
// application.
package http_gate

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/pkg/config"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// SessionValidator reports whether r belongs to an authenticated session of
// the host application.
type SessionValidator func(r *http.Request) bool

// New builds the gate for cfg. The session strategy needs a validator.
func New(cfg config.Auth, validator SessionValidator, log *zap.Logger) (gin.HandlerFunc, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch cfg.Strategy {
	case config.AuthNone, "":
		return func(c *gin.Context) { c.Next() }, nil
	case config.AuthBasic:
		if cfg.Basic.Username == "" {
			return nil, fmt.Errorf("%w: basic auth needs a username", domain.ErrInvalidConfiguration)
		}
		return basic(cfg, log), nil
	case config.AuthSession:
		if validator == nil {
			return nil, fmt.Errorf("%w: session auth needs a session validator", domain.ErrInvalidConfiguration)
		}
		return session(validator, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown auth strategy %q", domain.ErrInvalidConfiguration, cfg.Strategy)
	}
}

func basic(cfg config.Auth, log *zap.Logger) gin.HandlerFunc {
	user := []byte(cfg.Basic.Username)
	pass := []byte(cfg.Basic.Password)
	challenge := "Basic realm=" + strconv.Quote(cfg.Realm)

	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		// evaluate both comparisons so timing does not reveal which one failed
		userOK := subtle.ConstantTimeCompare([]byte(u), user) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), pass) == 1
		if ok && userOK && passOK {
			c.Next()
			return
		}

		log.Warn("profiler authentication failed",
			zap.String("strategy", string(config.AuthBasic)),
			zap.String("username", u),
			zap.String("ip", c.ClientIP()))
		c.Header("WWW-Authenticate", challenge)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func session(validator SessionValidator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator(c.Request) {
			c.Next()
			return
		}
		log.Warn("profiler authentication failed",
			zap.String("strategy", string(config.AuthSession)),
			zap.String("ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
