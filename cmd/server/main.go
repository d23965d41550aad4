// Package main is the entry point for the cube planner server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fidde/cube_planner/internal/api"
	"github.com/fidde/cube_planner/internal/collect"
	"github.com/fidde/cube_planner/internal/config"
	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/receiver"
	"github.com/fidde/cube_planner/internal/resource"
)

func main() {
	log.Println("Starting cube planner...")

	cfg, err := config.Load(getEnv("CP_CONFIG", ""))
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := resource.NewStore(ctx, cfg.Resource, logger)
	if err != nil {
		log.Fatalf("Opening resource store: %v", err)
	}
	log.Printf("Resource store: %s", cfg.Resource.Backend)

	catalog, err := loadCatalog(ctx, cfg, store)
	if err != nil {
		log.Fatalf("Loading catalog %s: %v", cfg.Catalog, err)
	}
	log.Printf("Catalog %s: %d cubes", cfg.Catalog, len(catalog.Cubes))

	metrics := collect.NewMetrics(prometheus.DefaultRegisterer)

	apiServer := api.NewServer(cfg.Server.APIAddr, api.Options{
		Catalog: catalog,
		Store:   store,
		Stats:   cfg.Stats,
		Logger:  logger,
	})

	collectAddr := getEnv("CP_COLLECT_ADDR", "0.0.0.0:8081")
	collectReceiver := receiver.NewHTTPReceiver(collectAddr, receiver.Options{
		Catalog:   catalog,
		Store:     store,
		Job:       cfg.JobConfig(),
		SplitRows: getEnvInt("CP_SPLIT_ROWS", receiver.DefaultSplitRows),
		WorkDir:   getEnv("CP_WORK_DIR", ""),
		Logger:    logger,
		Metrics:   metrics,
	})

	grpcServer := receiver.NewGRPCServer(cfg.Server.GRPCAddr, store, 15*time.Second, logger)

	// Start pprof server for profiling (separate port)
	if getEnvBool("CP_PPROF_ENABLED", true) {
		go func() {
			log.Printf("Starting pprof server on http://%s/debug/pprof", cfg.Server.PprofAddr)
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Start servers in goroutines
	errChan := make(chan error, 3)

	go func() {
		log.Printf("Starting REST API server on %s", cfg.Server.APIAddr)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	go func() {
		log.Printf("Starting collection receiver on %s", collectAddr)
		if err := collectReceiver.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("collection receiver error: %w", err)
		}
	}()

	go func() {
		log.Printf("Starting gRPC health server on %s", cfg.Server.GRPCAddr)
		if err := grpcServer.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Give servers time to start
	time.Sleep(100 * time.Millisecond)
	log.Println("All servers started successfully")
	log.Println("API endpoints:")
	log.Printf("  - Cubes: http://%s/api/v1/cubes", cfg.Server.APIAddr)
	log.Printf("  - Statistics: http://%s/api/v1/cubes/{cube}/segments/{segment}/statistics", cfg.Server.APIAddr)
	log.Printf("  - Health: http://%s/api/v1/health", cfg.Server.APIAddr)
	log.Printf("  - Metrics: http://%s/metrics", cfg.Server.APIAddr)
	log.Println("Collection:")
	log.Printf("  - POST http://%s/v1/collect/{cube}/{segment}", collectAddr)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v, shutting down...", sig)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Println("Shutting down servers...")
	if err := collectReceiver.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down collection receiver: %v", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down gRPC server: %v", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	log.Println("Closing resource store...")
	if err := store.Close(); err != nil {
		log.Printf("Error closing resource store: %v", err)
	}

	log.Println("Shutdown complete")
}

func loadCatalog(ctx context.Context, cfg config.Config, store resource.Store) (*metadata.Catalog, error) {
	if path, ok := cfg.CatalogResource(); ok {
		return metadata.LoadCatalogResource(ctx, store, path)
	}
	return metadata.LoadCatalog(cfg.Catalog)
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
