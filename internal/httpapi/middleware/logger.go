package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taqeem-console/internal/logger"
)

const loggerKey = "logger"

// Logger injects a request-scoped logger and logs each request on completion.
func Logger(base *logger.Logger) gin.HandlerFunc {
	base = logger.OrDefault(base)
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		reqLog := base.With(logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "httpapi",
		})
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))
		c.Set(loggerKey, reqLog)
		c.Header("X-Request-ID", requestID)

		c.Next()

		entry := reqLog.WithFields(logger.Fields{
			logger.FieldStatus:     c.Writer.Status(),
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warnf("%s %s", c.Request.Method, path)
			return
		}
		entry.Debugf("%s %s", c.Request.Method, path)
	}
}

// GetLogger returns the request logger, falling back to the context logger.
func GetLogger(c *gin.Context) *logger.Logger {
	if l, ok := c.Get(loggerKey); ok {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
