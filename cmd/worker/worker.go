package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/septivank/meter-tariff-worker/internal/anomaly"
	"github.com/septivank/meter-tariff-worker/internal/api"
	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/db"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/mq"
	"github.com/septivank/meter-tariff-worker/internal/poller"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/septivank/meter-tariff-worker/internal/repository"
	"github.com/septivank/meter-tariff-worker/internal/service"
	"github.com/septivank/meter-tariff-worker/internal/sink"
	"github.com/septivank/meter-tariff-worker/internal/supervisor"
	"github.com/septivank/meter-tariff-worker/internal/tariff"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"github.com/septivank/meter-tariff-worker/internal/writer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const queueInitCapacity = 64

// ProvideTopology loads the meter configuration file
func ProvideTopology(cfg *config.Config, logger *zap.Logger) (*config.Topology, error) {
	topo, err := config.LoadTopology(cfg.MeterConfigPath)
	if err != nil {
		return nil, err
	}
	for _, w := range topo.Warnings {
		logger.Warn("meter configuration warning", zap.String("path", cfg.MeterConfigPath), zap.String("warning", w))
	}
	logger.Info("meter configuration loaded",
		zap.String("path", cfg.MeterConfigPath),
		zap.Int("pollers", len(topo.Pollers)),
		zap.Int("tariffs", len(topo.TariffDefinitions())),
		zap.String("hash", topo.Hash))
	return topo, nil
}

// ProvideQueue creates the ingestion queue, discarded on stop
func ProvideQueue(lc fx.Lifecycle) *queue.Queue {
	q := queue.New(queueInitCapacity)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			q.Discard()
			return nil
		},
	})
	return q
}

// ProvideRouter indexes the configured tariff definitions
func ProvideRouter(topo *config.Topology) *tariff.Router {
	return tariff.NewRouter(topo.TariffDefinitions())
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(anomaly.Config{
		MaxAbs:                    cfg.Anomaly.MaxAbsReading,
		SpikeThreshold:            cfg.Anomaly.SpikeThreshold,
		MinDataPointsForDetection: cfg.Anomaly.MinDataPointsForDetection,
		HistorySize:               cfg.Anomaly.HistorySize,
	})
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureToleranceMinutes)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	q *queue.Queue,
	router *tariff.Router,
	accumulator *tariff.Accumulator,
	detector *anomaly.Detector,
	validator *validator.Validator,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(q, router, accumulator, detector, validator, logger)
}

// ProvideSink builds every sink named in SINKS behind one Multi
func ProvideSink(lc fx.Lifecycle, cfg *config.Config, b *broker, logger *zap.Logger) (*sink.Multi, error) {
	registry := sink.Registry{
		config.SinkMemory: func() (sink.Sink, error) {
			return sink.NewMemory(), nil
		},
		config.SinkInflux: func() (sink.Sink, error) {
			return sink.NewInflux(sink.InfluxConfig{
				URL:      cfg.Influx.URL,
				Token:    cfg.Influx.Token,
				Database: cfg.Influx.Database,
			}, logger)
		},
		config.SinkPostgres: func() (sink.Sink, error) {
			pool, err := db.NewPool(lc, logger, cfg.Database.URL)
			if err != nil {
				return nil, err
			}
			repo := repository.NewRepository(pool)
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return repo.EnsureSchema(ctx)
				},
			})
			return sink.NewPostgres(repo, logger), nil
		},
		config.SinkAMQP: func() (sink.Sink, error) {
			conn, err := b.Connect()
			if err != nil {
				return nil, err
			}
			publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.SinkExchange, logger)
			if err != nil {
				return nil, err
			}
			return sink.NewAMQP(publisher, sink.AMQPConfig{
				ReadingsRoutingKey: cfg.RabbitMQ.ReadingsRouting,
				TariffsRoutingKey:  cfg.RabbitMQ.TariffsRouting,
			}, logger), nil
		},
	}

	multi, err := registry.Build(cfg.Sinks)
	if err != nil {
		return nil, err
	}
	logger.Info("sinks configured", zap.String("sinks", multi.Name()))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return multi.Close()
		},
	})
	return multi, nil
}

// ProvidePollers creates one poller per configured device
func ProvidePollers(topo *config.Topology, cfg *config.Config, v *validator.Validator, b *broker, logger *zap.Logger) ([]poller.Poller, error) {
	return poller.DefaultRegistry().Build(topo.Pollers, poller.Deps{
		Logger:    logger,
		Validator: v,
		RabbitMQ:  cfg.RabbitMQ,
		Connect:   b.Connect,
	})
}

// ProvideWriter creates the single queue consumer
func ProvideWriter(q *queue.Queue, s *sink.Multi, cfg *config.Config, logger *zap.Logger) *writer.Writer {
	return writer.New(q, s, cfg.Pipeline.SinkRetryDelay, logger)
}

// ProvideSupervisor wires every poller and the writer into supervised units.
// Its exit decision becomes the app's exit code.
func ProvideSupervisor(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	topo *config.Topology,
	q *queue.Queue,
	pollers []poller.Poller,
	w *writer.Writer,
	processor *service.ProcessorService,
	logger *zap.Logger,
) *supervisor.Supervisor {
	emit := func(ctx context.Context, r model.MeterReading) error {
		_, err := processor.Handle(ctx, r)
		return err
	}

	units := make([]supervisor.Unit, 0, len(pollers)+1)
	for _, p := range pollers {
		units = append(units, supervisor.PollerUnit(p, emit))
	}
	units = append(units, supervisor.WriterUnit(w))

	onExit := func(d supervisor.Decision) {
		if err := shutdowner.Shutdown(fx.ExitCode(d.Code)); err != nil {
			logger.Error("failed to request shutdown", zap.Error(err))
		}
	}

	sup := supervisor.New(supervisor.Config{
		MaxQueueSize:    cfg.Pipeline.MaxQueueSize,
		Interval:        cfg.Pipeline.MonitorInterval,
		ShutdownTimeout: cfg.Pipeline.ShutdownTimeout,
		ConfigPath:      cfg.MeterConfigPath,
		ConfigHash:      topo.Hash,
	}, q, units, onExit, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sup.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sup.Stop(ctx)
		},
	})
	return sup
}

// ProvideHandler creates the HTTP handler. Direct writes bypass the queue.
func ProvideHandler(s *sink.Multi, v *validator.Validator, sup *supervisor.Supervisor, logger *zap.Logger) *api.Handler {
	reader, ok := s.Reader()
	if !ok {
		logger.Info("no configured sink supports reads, read-back routes disabled")
	}
	return api.NewHandler(s, reader, v, sup, logger)
}

// ProvideHTTPRouter builds the gin engine
func ProvideHTTPRouter(h *api.Handler, logger *zap.Logger) *gin.Engine {
	return api.NewRouter(h, logger)
}

// ProvideHTTPServer creates the HTTP server
func ProvideHTTPServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, cfg.HTTPPort, router, logger)
}

// startWorker forces construction of the server and the supervisor
func startWorker(_ *http.Server, sup *supervisor.Supervisor, logger *zap.Logger) {
	logger.Info("worker assembled", zap.Int("units", len(sup.Units())))
}
