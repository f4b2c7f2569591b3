// Package main is the embedd CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/config"
	"github.com/hyperjump/embedd/internal/dispatch"
	"github.com/hyperjump/embedd/internal/engine"
	"github.com/hyperjump/embedd/internal/metrics"
	"github.com/hyperjump/embedd/internal/modelcache"
	"github.com/hyperjump/embedd/internal/server"
	"github.com/hyperjump/embedd/internal/storage"
	"github.com/hyperjump/embedd/internal/warmup"
	"github.com/hyperjump/embedd/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/embedd/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so that "embedd server" from the project dir uses the project's
// config (including debug). Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "embed":
		runEmbed()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("embedd version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (cache activity, per-request timing, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	components.Sweeper.Start(sweepCtx)

	warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := warmup.Run(warmupCtx, components.Cache, cfg.Models.Required, cfg.Warmup.Concurrency, logger); err != nil {
		warmupCancel()
		logger.Fatal("Warm-up failed", zap.Error(err))
	}
	warmupCancel()

	srv := server.NewServer(
		components.Dispatcher,
		components.Cache,
		components.Recorder,
		components.Audit,
		cfg,
		logger,
	)

	reloader := config.NewReloader(resolvedConfigPath, func(fresh *config.Config) {
		srv.ApplyConfig(fresh)
	}, logger)
	reloadCtx, reloadCancel := context.WithCancel(context.Background())
	defer reloadCancel()
	if err := reloader.Start(reloadCtx); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		defer reloader.Stop()
	}

	go func() {
		if err := srv.Start(reloadCtx); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runEmbed() {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8000", "server URL")
	model := fs.String("model", "", "model name")
	outputFormat := fs.String("output", "text", "output format: text (dimension and timing) or json (full embedding)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: embedd embed [flags] <text>")
		os.Exit(1)
	}
	if *model == "" {
		fmt.Println("embed requires --model")
		os.Exit(1)
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))

	body, _ := json.Marshal(map[string]string{"text": text, "model": *model})
	resp, err := http.Post(*serverURL+"/embed", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Embed failed (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}

	var out struct {
		Embedding        []float32 `json:"embedding"`
		ModelName        string    `json:"model_name"`
		Dimension        int       `json:"dimension"`
		ProcessingTimeMs float64   `json:"processing_time_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("model:      %s\n", out.ModelName)
		fmt.Printf("dimension:  %d\n", out.Dimension)
		fmt.Printf("elapsed_ms: %.2f\n", out.ProcessingTimeMs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8000", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Status failed (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}

	var health struct {
		Status string `json:"status"`
		Models []struct {
			Name           string  `json:"name"`
			Ready          bool    `json:"ready"`
			LastUsed       string  `json:"last_used"`
			LoadDurationMs float64 `json:"load_duration_ms"`
		} `json:"models"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(health); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("status:          %s\n", health.Status)
		fmt.Printf("uptime_seconds:  %.0f\n", health.UptimeSeconds)
		fmt.Printf("cached_models:   %d\n", len(health.Models))
		for _, m := range health.Models {
			fmt.Printf("  %s  ready=%t  last_used=%s  load_ms=%.0f\n", m.Name, m.Ready, m.LastUsed, m.LoadDurationMs)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Engine     engine.Engine
	Audit      *storage.SQLiteAudit
	Cache      *modelcache.Cache
	Sweeper    *modelcache.Sweeper
	Recorder   *metrics.Recorder
	Dispatcher *dispatch.Dispatcher
}

func (c *Components) Close() {
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Engine != nil {
		_ = c.Engine.Close()
	}
	if c.Audit != nil {
		_ = c.Audit.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	var eng engine.Engine
	switch cfg.Engine.Type {
	case "mock":
		eng = engine.NewMockEngine(cfg.Engine.Dimensions)
	default:
		models := make(map[string]engine.ONNXModelSpec, len(cfg.Engine.Models))
		for name, spec := range cfg.Engine.Models {
			models[name] = engine.ONNXModelSpec{File: spec.File, Dimensions: spec.Dimensions}
		}
		onnxEngine, err := engine.NewONNXEngine(engine.ONNXConfig{
			ModelDir:   cfg.Engine.ModelDir,
			Dimensions: cfg.Engine.Dimensions,
			MaxTokens:  cfg.Engine.MaxTokens,
			Models:     models,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX engine: %w", err)
		}
		eng = onnxEngine
	}

	var audit *storage.SQLiteAudit
	if cfg.Storage.DatabasePath != "" {
		var err error
		audit, err = storage.NewSQLiteAudit(cfg.Storage.DatabasePath)
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to initialize load audit: %w", err)
		}
	}

	cacheOpts := []modelcache.Option{modelcache.WithLogger(logger)}
	if audit != nil {
		cacheOpts = append(cacheOpts, modelcache.WithAudit(audit))
	}
	cache := modelcache.New(eng, modelcache.Config{
		TTL:       cfg.Cache.TTL(),
		MaxModels: cfg.Cache.MaxModels,
	}, cacheOpts...)

	sweeper := modelcache.NewSweeper(cache, cfg.Cache.SweepInterval(), logger)
	recorder := metrics.NewRecorder()

	dispatcher := dispatch.New(cache, dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		MaxTextLength:  cfg.Dispatch.MaxTextLength,
		MaxBatchSize:   cfg.Dispatch.MaxBatchSize,
		RequestTimeout: cfg.Dispatch.RequestTimeout(),
	}, recorder, logger)
	dispatcher.SetAllowedModels(cfg.Models.Allowed)

	return &Components{
		Engine:     eng,
		Audit:      audit,
		Cache:      cache,
		Sweeper:    sweeper,
		Recorder:   recorder,
		Dispatcher: dispatcher,
	}, nil
}

func printUsage() {
	fmt.Println(`embedd - Text embedding server with on-demand model caching

Usage:
  embedd server [flags]           Start the HTTP server
  embedd embed [flags] <text>     Embed text via a running server
  embedd status [flags]           Show server health and cached models
  embedd version                  Show version
  embedd help                     Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/embedd/config.yaml)
  --debug            Enable debug logging (cache activity, per-request timing, etc.)

Embed Flags:
  --server string    Server URL (default: http://localhost:8000)
  --model string     Model name (required)
  --output string    Output format: text or json (default: text)

Status Flags:
  --server string    Server URL (default: http://localhost:8000)
  --output string    Output format: text or json (default: text)

Examples:
  embedd server
  embedd embed --model all-MiniLM-L6-v2 "some text to embed"
  embedd embed --model all-MiniLM-L6-v2 --output json "some text"
  embedd status
  embedd status --output json`)
}
