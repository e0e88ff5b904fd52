package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/sink"
	"github.com/septivank/meter-tariff-worker/internal/supervisor"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"go.uber.org/zap"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Health reports pipeline liveness
type Health interface {
	Units() []supervisor.UnitStatus
	QueueDepth() int
}

// Handler handles HTTP requests
type Handler struct {
	sink      sink.Sink
	reader    sink.Reader
	validator *validator.Validator
	health    Health
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a handler writing to s. Read-back routes answer 501 when
// reader is nil.
func NewHandler(s sink.Sink, reader sink.Reader, v *validator.Validator, health Health, logger *zap.Logger) *Handler {
	return &Handler{
		sink:      s,
		reader:    reader,
		validator: v,
		health:    health,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateMeterReading handles POST /api/v1/meter-readings
func (h *Handler) CreateMeterReading(c *gin.Context) {
	var r model.MeterReading
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}

	if result := h.validator.ValidateReading(r, h.now()); !result.IsValid {
		c.JSON(http.StatusBadRequest, gin.H{"error": result.AnomalyReason})
		return
	}

	log := logging.WithMeter(h.requestLogger(c), r.ID)
	if err := h.sink.WriteReading(c.Request.Context(), r); err != nil {
		h.writeFailed(c, log, err)
		return
	}

	log.Info("meter reading stored", zap.Int64("time", r.Time), zap.Float64("reading", r.Reading))
	c.JSON(http.StatusCreated, r)
}

// CreateMeterTariff handles POST /api/v1/meter-tariffs
func (h *Handler) CreateMeterTariff(c *gin.Context) {
	var charge model.MeterTariffCharge
	if err := c.ShouldBindJSON(&charge); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}

	if reason := validateCharge(charge); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	log := logging.WithMeter(h.requestLogger(c), charge.ID)
	if err := h.sink.WriteTariff(c.Request.Context(), charge); err != nil {
		h.writeFailed(c, log, err)
		return
	}

	log.Info("meter tariff stored", zap.String("tariff", charge.Name), zap.Float64("amount", charge.Amount))
	c.JSON(http.StatusCreated, charge)
}

func validateCharge(c model.MeterTariffCharge) string {
	switch {
	case c.ID == "":
		return "empty meter id"
	case c.Name == "":
		return "empty tariff name"
	case c.Time <= 0:
		return "missing timestamp"
	case math.IsNaN(c.Amount) || math.IsInf(c.Amount, 0):
		return "non-finite amount"
	}
	if _, err := model.ParseTariffType(string(c.Type)); err != nil {
		return err.Error()
	}
	return ""
}

func (h *Handler) writeFailed(c *gin.Context, log *zap.Logger, err error) {
	if sink.IsTransient(err) {
		log.Warn("sink unavailable", zap.String("sink", h.sink.Name()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sink unavailable, retry later"})
		return
	}
	log.Error("sink rejected write", zap.String("sink", h.sink.Name()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// GetMeterReadings handles GET /api/v1/meter-readings/:id
func (h *Handler) GetMeterReadings(c *gin.Context) {
	h.readBack(c, func(ctx context.Context, id string, limit int) (any, int, error) {
		rows, err := h.reader.Readings(ctx, id, limit)
		return rows, len(rows), err
	})
}

// GetMeterTariffs handles GET /api/v1/meter-tariffs/:id
func (h *Handler) GetMeterTariffs(c *gin.Context) {
	h.readBack(c, func(ctx context.Context, id string, limit int) (any, int, error) {
		rows, err := h.reader.Tariffs(ctx, id, limit)
		return rows, len(rows), err
	})
}

func (h *Handler) readBack(c *gin.Context, read func(ctx context.Context, id string, limit int) (any, int, error)) {
	if h.reader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no configured sink supports reads"})
		return
	}

	limit, err := limitParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	records, count, err := read(c.Request.Context(), id, limit)
	if err != nil {
		h.requestLogger(c).Error("read back failed", zap.String("meter_id", id), zap.Error(err))
		status := http.StatusInternalServerError
		if sink.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"count":   count,
		"records": records,
	})
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// Healthz handles GET /healthz. It answers 503 once any unit has died.
func (h *Handler) Healthz(c *gin.Context) {
	units := h.health.Units()
	status, code := "ok", http.StatusOK
	for _, u := range units {
		if !u.Alive {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, gin.H{
		"status":      status,
		"queue_depth": h.health.QueueDepth(),
		"units":       units,
	})
}

func (h *Handler) requestLogger(c *gin.Context) *zap.Logger {
	return logging.WithRequestID(h.logger, c.GetString(requestIDKey))
}
