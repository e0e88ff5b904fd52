// Package api serves the HTTP surface: direct reading and charge writes,
// read-back from the sinks, health and metrics.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with every route
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger(logger))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		readings := v1.Group("/meter-readings")
		{
			readings.POST("", h.CreateMeterReading)
			readings.GET("/:id", h.GetMeterReadings)
		}

		tariffs := v1.Group("/meter-tariffs")
		{
			tariffs.POST("", h.CreateMeterTariff)
			tariffs.GET("/:id", h.GetMeterTariffs)
		}
	}
	return r
}
