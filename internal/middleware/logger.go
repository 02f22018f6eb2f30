package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request and turns panics into a 500 envelope.
// Server errors and panics are logged at error level with the stack.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error("panic",
					append(requestFields(c, start), zap.String("panic", fmt.Sprint(recovered)), zap.ByteString("stack", debug.Stack()))...,
				)
				abort(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
				return
			}

			fields := requestFields(c, start)
			for _, err := range c.Errors {
				fields = append(fields, zap.NamedError(fmt.Sprintf("error_%d", err.Type), err.Err))
			}
			switch status := c.Writer.Status(); {
			case status >= http.StatusInternalServerError:
				log.Error("request", fields...)
			case status >= http.StatusBadRequest:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
		}()

		c.Next()
	}
}

func requestFields(c *gin.Context, start time.Time) []zap.Field {
	return []zap.Field{
		zap.Int("status", c.Writer.Status()),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()),
		zap.Int64("account_id", c.GetInt64(CtxAccountID)),
		zap.String("session_id", c.GetString(CtxSessionID)),
		zap.String("request_id", requestID(c)),
		zap.Duration("latency", time.Since(start)),
	}
}

func requestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = c.GetHeader("X-Request-Id")
	}
	return id
}
