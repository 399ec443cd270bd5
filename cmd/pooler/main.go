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

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/cache"
	"github.com/raaihank/sentence-pooler/internal/config"
	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/logger"
	"github.com/raaihank/sentence-pooler/internal/search"
	"github.com/raaihank/sentence-pooler/internal/server"
	"github.com/raaihank/sentence-pooler/internal/vector"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080/health", "URL used by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentence-pooler %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting sentence pooler",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("config_file", loader.ConfigFile()),
		zap.Int("port", cfg.Server.Port),
	)

	components, err := initializeComponents(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.cleanup()

	srv, err := server.New(cfg, log, components.options())
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	if loader.ConfigFile() != "" {
		loader.Watch(func(newConfig *config.Config) {
			if err := log.SetLevel(newConfig.Logging.Level); err != nil {
				log.Warn("Ignoring reloaded log level", zap.Error(err))
			}
			srv.UpdateRateLimit(newConfig.RateLimit)
			log.Info("Configuration reloaded", zap.String("file", loader.ConfigFile()))
		}, func(err error) {
			log.Error("Configuration reload rejected", zap.Error(err))
		})
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			return
		}

		log.Info("Server shutdown complete")
	}
}

// components holds the optional backing services of the server
type components struct {
	service *embeddings.Service
	cache   *cache.EmbeddingCache
	store   *vector.Store
	search  *search.Engine
}

func initializeComponents(ctx context.Context, cfg *config.Config, log *logger.Logger) (*components, error) {
	c := &components{}

	var embeddingCache embeddings.Cache
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewEmbeddingCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
		}
		c.cache = redisCache
		embeddingCache = redisCache
	}

	service, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).CreateService(embeddings.ServiceConfig{
		Model:   cfg.Model,
		Pooling: cfg.Pooling,
	}, embeddingCache)
	if err != nil {
		c.cleanup()
		return nil, fmt.Errorf("failed to initialize embedding service: %w", err)
	}
	c.service = service

	if cfg.Database.Enabled {
		store, err := vector.NewStore(&cfg.Database, log.WithComponent("vector").Logger)
		if err != nil {
			c.cleanup()
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		c.store = store

		if err := store.EnsureSchema(ctx, service.Dimensions()); err != nil {
			c.cleanup()
			return nil, fmt.Errorf("failed to prepare vector schema: %w", err)
		}
		c.search = search.NewEngine(store, service, cfg.Model.ModelName, &cfg.Search, log.WithComponent("search").Logger)
	}

	return c, nil
}

func (c *components) options() server.Options {
	opts := server.Options{
		Service: c.service,
		Search:  c.search,
		Version: version,
	}
	// Interface fields stay nil unless the component exists
	if c.cache != nil {
		opts.Cache = c.cache
	}
	if c.store != nil {
		opts.Vectors = c.store
	}
	return opts
}

func (c *components) cleanup() {
	if c.service != nil {
		c.service.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(url string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
