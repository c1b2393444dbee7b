package management

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// requestID propagates a caller-supplied X-Request-ID or assigns a new one.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// accessLog writes one line per request. Client addresses are not logged.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.log.Info("request", c.Request.Method+" "+route,
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// auth checks for a valid Bearer token if one is configured.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		h := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(h[len(prefix):])), []byte(s.opts.Token)) != 1 {
			s.log.Warn("auth", "unauthorized request",
				zap.String("request_id", c.GetString(ctxRequestID)),
				zap.String("route", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Code: codeUnauthorized})
			return
		}
		c.Next()
	}
}

// rateLimit rejects requests beyond the configured rate with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Code: codeRateLimited})
			return
		}
		c.Next()
	}
}
