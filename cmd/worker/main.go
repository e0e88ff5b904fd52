package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/supervisor"
	"github.com/septivank/meter-tariff-worker/internal/tariff"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func main() {
	loadEnv()

	// Create a temporary logger for startup error messages
	tempLogger, _ := logging.NewLogger("meter-tariff-worker")

	for {
		code := run(tempLogger)
		if code != supervisor.ExitRestart {
			_ = tempLogger.Sync()
			os.Exit(code)
		}
		tempLogger.Info("meter configuration changed, restarting with fresh tariff state")
	}
}

// loadEnv loads a .env file - flexible path for both Linux (pods/containers) and Windows
func loadEnv() {
	envPaths := []string{
		".env",       // Current working directory (works in pods/containers)
		"../../.env", // If running from bin/ subdirectory
	}

	// Try to find .env file starting from current directory and moving up
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		grandParentDir := filepath.Dir(parentDir)

		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(grandParentDir, ".env"),
		)
	}

	for _, envPath := range envPaths {
		// Check if file exists first to avoid unnecessary errors
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				absPath, _ := filepath.Abs(envPath)
				fmt.Printf("Loaded environment from: %s\n", absPath)
				return
			}
		}
	}
	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}

func newApp() *fx.App {
	return fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			config.Load,
			newLogger,
			ProvideTopology,
			ProvideQueue,
			ProvideRouter,
			tariff.NewAccumulator,
			ProvideAnomalyDetector,
			ProvideValidator,
			ProvideProcessorService,
			ProvideBroker,
			ProvideSink,
			ProvidePollers,
			ProvideWriter,
			ProvideSupervisor,
			ProvideHandler,
			ProvideHTTPRouter,
			ProvideHTTPServer,
		),
		fx.Invoke(startWorker),
	)
}

// run starts one app instance and blocks until it is told to stop. The
// returned code is the supervisor's decision, or 0 after a signal.
func run(tempLogger *zap.Logger) int {
	app := newApp()

	tempLogger.Info("starting application...", zap.Duration("timeout", startTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		// Check if it's a timeout error
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Database, InfluxDB or RabbitMQ) is not accessible. Check the error messages above for specific connection failures.")
		}
		tempLogger.Error("application failed to start", zap.Error(err))
		return supervisor.ExitFatal
	}

	// Wait for a signal or a supervisor decision
	sig := <-app.Wait()
	tempLogger.Info("stopping application",
		zap.String("signal", fmt.Sprint(sig.Signal)),
		zap.Int("exit_code", sig.ExitCode))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		tempLogger.Error("error stopping app", zap.Error(err))
	}
	return sig.ExitCode
}
