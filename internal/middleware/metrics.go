package middleware

import (
	"strconv"
	"time"

	"pagechat-go/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// RequestMetrics 按路由模板记录请求数与耗时，未匹配的路由记为 "unmatched"。
func RequestMetrics(m *metrics.StreamingMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
