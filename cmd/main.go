package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/yanolja/gemback/config"
	"github.com/yanolja/gemback/dispatch"
	"github.com/yanolja/gemback/monitoring"
	"github.com/yanolja/gemback/server"
	"github.com/yanolja/gemback/transport"
	"github.com/yanolja/gemback/transport/claude"
	"github.com/yanolja/gemback/transport/studio"
	"github.com/yanolja/gemback/utils"
	"github.com/yanolja/gemback/utils/env"
)

func newLogger(debug bool) *zap.Logger {
	if debug {
		return utils.Must(zap.NewDevelopment())
	}
	return utils.Must(zap.NewProduction())
}

func newTransport(config *config.Config) (transport.InferenceTransport, error) {
	switch config.Provider {
	case "claude":
		return claude.NewTransport(), nil
	case "vertex":
		return studio.NewTransport(studio.Options{
			Backend:  studio.BackendVertex,
			Project:  config.GoogleCloudProject,
			Location: config.GoogleCloudLocation,
		})
	case "gemini":
		return studio.NewTransport(studio.Options{Backend: studio.BackendGemini})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

func main() {
	logger := newLogger(env.OptionalBoolVariable("DEBUG", false))
	sugar := logger.Sugar()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	config, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}
	if config.Debug && !logger.Core().Enabled(zap.DebugLevel) {
		logger = newLogger(true)
		sugar = logger.Sugar()
	}
	defer logger.Sync()

	monitor, err := monitoring.NewMonitoringManager(&config.Monitoring, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup monitoring", "error", err)
	}

	inferenceTransport, err := newTransport(config)
	if err != nil {
		sugar.Fatalw("Failed to create transport", "error", err)
	}

	options, err := config.ToDispatchOptions()
	if err != nil {
		sugar.Fatalw("Invalid dispatch options", "error", err)
	}
	orchestrator, err := dispatch.New(inferenceTransport, options, sugar,
		dispatch.WithObserver(monitor),
		dispatch.WithTracer(monitor.Tracer()),
	)
	if err != nil {
		sugar.Fatalw("Failed to create orchestrator", "error", err)
	}
	if err := monitor.RegisterStats(orchestrator); err != nil {
		sugar.Fatalw("Failed to export stats", "error", err)
	}

	generationServer := server.NewGenerationServer(orchestrator, config.GembackApiKey, monitor.Handler(), sugar)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", config.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(generationServer.Handler()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
		if err := monitor.Close(ctx); err != nil {
			sugar.Warnw("Failed to flush telemetry", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
