package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/config"
	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/etl"
	"github.com/raaihank/sentence-pooler/internal/logger"
	"github.com/raaihank/sentence-pooler/internal/vector"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON lines)")
		batchSize  = flag.Int("batch-size", 0, "Batch size for processing (overrides etl.batch_size)")
		strategy   = flag.String("strategy", "", "Pooling strategy: cls or mean (overrides etl.strategy)")
		skipIndex  = flag.Bool("skip-index", false, "Skip creating the vector index")
		dryRun     = flag.Bool("dry-run", false, "Dry run - embed but don't write to the database")
		showStats  = flag.Bool("stats", false, "Show database statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input dataset.csv --batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input dataset.parquet --strategy cls\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	etlConfig := cfg.ETL
	if *batchSize > 0 {
		etlConfig.BatchSize = *batchSize
	}
	if *strategy != "" {
		etlConfig.Strategy = *strategy
	}
	if *skipIndex {
		etlConfig.CreateIndex = false
	}
	if *dryRun {
		etlConfig.DryRun = true
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting sentence pooler ETL pipeline",
		zap.String("input", *inputFile),
		zap.Bool("dry_run", etlConfig.DryRun))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	if err := run(ctx, cfg, &etlConfig, *inputFile, *showStats, log); err != nil {
		log.Error("ETL pipeline failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}

	log.Info("ETL pipeline completed successfully")
}

func run(ctx context.Context, cfg *config.Config, etlConfig *etl.Config, inputFile string, showStats bool, log *logger.Logger) error {
	var store *vector.Store
	if !etlConfig.DryRun || showStats {
		var err error
		store, err = vector.NewStore(&cfg.Database, log.WithComponent("vector").Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		defer store.Close()
	}

	if showStats {
		return showDatabaseStats(ctx, store)
	}

	service, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).CreateService(embeddings.ServiceConfig{
		Model:   cfg.Model,
		Pooling: cfg.Pooling,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize embedding service: %w", err)
	}
	defer service.Close()

	// A nil *vector.Store must not become a non-nil Writer
	var writer etl.Writer
	if store != nil {
		if err := store.EnsureSchema(ctx, service.Dimensions()); err != nil {
			return fmt.Errorf("failed to prepare vector schema: %w", err)
		}
		writer = store
	}

	pipeline, err := etl.NewPipeline(writer, service, cfg.Model.ModelName, cfg.Pooling.Normalize, etlConfig, log.WithComponent("etl").Logger)
	if err != nil {
		return err
	}

	result, err := pipeline.ProcessFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	rate := 0.0
	if secs := result.Duration.Seconds(); secs > 0 {
		rate = float64(result.TotalRecords) / secs
	}
	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("invalid_records", result.InvalidRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

// showDatabaseStats prints vector store statistics
func showDatabaseStats(ctx context.Context, store *vector.Store) error {
	stats, err := store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database stats: %w", err)
	}

	fmt.Printf("\n=== Pooled Embedding Statistics ===\n")
	fmt.Printf("Total Vectors:  %d\n", stats.TotalVectors)
	fmt.Printf("Models:         %d\n", stats.Models)

	strategies := make([]string, 0, len(stats.ByStrategy))
	for strategy := range stats.ByStrategy {
		strategies = append(strategies, strategy)
	}
	sort.Strings(strategies)
	for _, strategy := range strategies {
		count := stats.ByStrategy[strategy]
		share := 0.0
		if stats.TotalVectors > 0 {
			share = float64(count) / float64(stats.TotalVectors) * 100
		}
		fmt.Printf("  %-12s %d (%.1f%%)\n", strategy+":", count, share)
	}
	return nil
}
