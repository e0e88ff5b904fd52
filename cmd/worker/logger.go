package main

import (
	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLoggerWithOptions(cfg.ServiceName, logging.Options{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}
