package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/internal/pipeline"
	"github.com/gridsense/theftdetect/internal/store"
	"github.com/gridsense/theftdetect/pkg/logger"
	"github.com/gridsense/theftdetect/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration file")
	inputPath := flag.String("input", "", "path to the wide-format consumption csv")
	saveReadings := flag.Bool("save-readings", false, "persist the cleaned readings to the store")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *inputPath == "" {
		zapLogger.Fatal("Missing required -input flag")
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			zapLogger.Info("Metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				zapLogger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	st, err := store.NewStore(zapLogger, cfg.Store)
	if err != nil {
		zapLogger.Fatal("Failed to open store", zap.Error(err))
	}

	pipe, err := pipeline.New(zapLogger, cfg)
	if err != nil {
		zapLogger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	wide, err := dataset.ReadWideCSV(*inputPath)
	if err != nil {
		zapLogger.Fatal("Failed to read input csv", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	art, err := pipe.Run(ctx, wide)
	if err != nil {
		zapLogger.Fatal("Pipeline run failed", zap.Error(err))
	}

	if err := st.BeginRun(art.RunID); err != nil {
		zapLogger.Fatal("Failed to record pipeline run", zap.Error(err))
	}
	persistErr := persistArtifacts(st, art, *saveReadings, cfg)
	status := "completed"
	errMsg := ""
	if persistErr != nil {
		zapLogger.Error("Failed to persist artifacts", zap.Error(persistErr))
		status = "failed"
		errMsg = persistErr.Error()
	}
	if err := st.FinishRun(art.RunID, &store.PipelineRun{
		Status:          status,
		EntityCount:     art.Features.Len(),
		RecordCount:     art.Metadata.RecordCount,
		FeatureCount:    len(art.Features.Schema.Columns),
		BalancingMethod: art.Balancing.UsedMethod,
		ValidationScore: art.Validation.Score,
		Error:           errMsg,
	}); err != nil {
		zapLogger.Fatal("Failed to finish pipeline run", zap.Error(err))
	}

	zapLogger.Sugar().Infow("run summary",
		"run_id", art.RunID,
		"entities", art.Features.Len(),
		"records", art.Metadata.RecordCount,
		"features", len(art.Features.Schema.Columns),
		"balanced_samples", len(art.BalancedX),
		"balancing_method", art.Balancing.UsedMethod,
		"validation_score", art.Validation.Score,
		"quality_score_before", art.Quality.Initial.Score,
		"quality_score_after", art.Quality.Final.Score,
		"entity_errors", len(art.EntityErrors))
}

func persistArtifacts(st *store.Store, art *pipeline.Artifacts, saveReadings bool, cfg *config.Config) error {
	if err := st.SaveQualityReport(art.RunID, "before", art.Quality.Initial); err != nil {
		return err
	}
	if err := st.SaveQualityReport(art.RunID, "after", art.Quality.Final); err != nil {
		return err
	}
	if err := st.SaveBalancingReport(art.RunID, art.Balancing); err != nil {
		return err
	}
	if err := st.SaveValidationReport(art.RunID, art.Validation); err != nil {
		return err
	}
	if saveReadings {
		if err := st.SaveReadings(art.Table); err != nil {
			return err
		}
	}
	if cfg.Features.SchemaPath != "" {
		if err := art.Fitted.Schema.SaveFile(cfg.Features.SchemaPath); err != nil {
			return err
		}
	}
	return nil
}
