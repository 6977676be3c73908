package http

import (
	"net/http"

	"mprisctl/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupMonitoringRoutes mounts the metrics and health endpoints.
func SetupMonitoringRoutes(router gin.IRouter, metricsPath, healthPath string, gatherer prometheus.Gatherer, health *monitoring.HealthChecker) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET(healthPath, func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
}
