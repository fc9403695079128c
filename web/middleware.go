package web

import (
	"strconv"
	"time"

	"SignDetServer/logger"
	"SignDetServer/monitor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requestLogger logs every request through zap and counts it in the monitor.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		monitor.HTTPTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= 500 {
			logger.Log().Error("http request", fields...)
		} else {
			logger.Log().Info("http request", fields...)
		}
	}
}
