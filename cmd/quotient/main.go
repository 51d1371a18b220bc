// Quotient is a pricing and quotation assistant for content creators.
//
// It serves a WebSocket chat endpoint backed by a tool-using language
// model. The model reads the creator's live pricing document, converts
// currencies with live exchange rates, and can search the web for
// market context. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	quotient serve       Start the server
//	quotient version     Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/creatorops/quotient/internal/agent"
	"github.com/creatorops/quotient/internal/api"
	"github.com/creatorops/quotient/internal/buildinfo"
	"github.com/creatorops/quotient/internal/catalog"
	"github.com/creatorops/quotient/internal/config"
	"github.com/creatorops/quotient/internal/fetch"
	"github.com/creatorops/quotient/internal/httpkit"
	"github.com/creatorops/quotient/internal/llm"
	"github.com/creatorops/quotient/internal/rates"
	"github.com/creatorops/quotient/internal/search"
	"github.com/creatorops/quotient/internal/session"
	"github.com/creatorops/quotient/internal/tools"
	"github.com/creatorops/quotient/internal/ws"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals make run unsafe to call concurrently
// from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `quotient - pricing and quotation assistant

Usage:
  quotient [flags] <command>

Commands:
  serve       Start the server
  version     Print version and build information

Flags:
  -config <path>   Config file (default: search standard locations)
`)
	return nil
}

func newLogger(w io.Writer, level slog.Level, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func loadConfig(explicit string, logger *slog.Logger) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		logger.Warn("no config file found, using defaults", "error", err)
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger.Info("config loaded", "path", path)
	return cfg, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, false)
	logger.Info("starting Quotient",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial text logger covers only the startup banner.
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
	}
	logger = newLogger(stdout, level, cfg.LogJSON)
	slog.SetDefault(logger)

	// --- Outbound HTTP ---
	// One shared client for the pricing catalog, exchange rates, and
	// page fetches. The semaphore bounds total in-flight requests so a
	// burst of chats cannot exhaust file descriptors.
	clientOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(30 * time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithRetry(0),
		httpkit.WithLogger(logger),
	}
	if cfg.Outbound.MaxConcurrent > 0 {
		sem := semaphore.NewWeighted(int64(cfg.Outbound.MaxConcurrent))
		clientOpts = append(clientOpts, httpkit.WithConcurrencyLimit(sem))
	}
	outbound := httpkit.NewClient(clientOpts...)

	// --- Session store ---
	store := session.NewStore(cfg.Sessions.MaxTurns, logger)

	var archive *session.Archive
	if cfg.Sessions.ArchivePath != "" {
		archive, err = session.OpenArchive(cfg.Sessions.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive %s: %w", cfg.Sessions.ArchivePath, err)
		}
		defer archive.Close()
		logger.Info("archive opened", "path", cfg.Sessions.ArchivePath)
	}

	// --- External adapters ---
	cat := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.APIKey, cfg.Catalog.PageID, outbound, logger)
	rc := rates.NewClient(cfg.Rates.BaseURL, cfg.Rates.APIKey, outbound, logger)
	fetcher := fetch.New(outbound)

	sm := search.NewManager(cfg.Search.Primary)
	if cfg.Search.Brave.APIKey != "" {
		sm.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.SearXNG.URL != "" {
		sm.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if !sm.Configured() {
		logger.Warn("no search provider configured, web_search disabled")
	}

	// --- Model client ---
	var llmOpts []llm.OpenAIOption
	if cfg.Model.RateLimit > 0 {
		llmOpts = append(llmOpts, llm.WithRateLimit(cfg.Model.RateLimit))
	}
	model := llm.NewOpenAIClient(cfg.Model.BaseURL, cfg.Model.APIKey, logger, llmOpts...)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := model.Ping(pingCtx); err != nil {
		logger.Warn("model backend unreachable at startup", "url", cfg.Model.BaseURL, "error", err)
	}
	pingCancel()

	// --- Reasoning loop and delivery ---
	registry := tools.NewRegistry(cat, rc, sm, fetcher, logger)
	orchestrator := agent.New(logger, store, archive, model, registry, cfg.Model.Name, cfg.Model.MaxSteps)
	channel := ws.NewChannel(logger, orchestrator, store, cfg.Sessions.DropOnDisconnect)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.Auth.APIKey, store, channel, logger)

	// --- Idle session eviction ---
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if idle := cfg.Sessions.IdleTimeout(); idle > 0 {
		go func() {
			interval := idle / 4
			if interval > 10*time.Minute {
				interval = 10 * time.Minute
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.EvictIdle(idle)
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		logger.Info("shutdown complete")
		return nil
	}
}
