package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"autobot/internal/storage"
	"autobot/pkg/logx"
)

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		d := time.Since(start)

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.String("ip", c.ClientIP()),
			logx.Duration("dur", d),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("request failed", append(fields, logx.String("err", c.Errors.String()))...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		case d >= 750*time.Millisecond:
			log.Info("request ok", fields...)
		default:
			log.Debug("request ok", fields...)
		}
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or, for browser
// websockets that cannot set headers, a token query parameter.
func bearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "não autorizado"})
			return
		}
		c.Next()
	}
}

func rateLimit(lim *rate.Limiter) gin.HandlerFunc {
	if lim == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "muitas requisições, tente novamente"})
			return
		}
		c.Next()
	}
}

// audit records an operator action. Failures are logged, never returned.
func (s *Server) audit(c *gin.Context, action, target string, ok, fail int, err error) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Actor:  "http:" + c.ClientIP(),
		Action: action,
		Target: target,
		OK:     ok,
		Fail:   fail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
	defer cancel()
	if aerr := s.deps.Audit.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
