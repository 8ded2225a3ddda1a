package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kohlhas/recollect/internal/api"
	"github.com/kohlhas/recollect/internal/config"
	"github.com/kohlhas/recollect/internal/embedder"
	"github.com/kohlhas/recollect/internal/ingest"
	"github.com/kohlhas/recollect/internal/pipeline"
	"github.com/kohlhas/recollect/internal/query"
	"github.com/kohlhas/recollect/internal/search"
	"github.com/kohlhas/recollect/internal/sqlguard"
	"github.com/kohlhas/recollect/internal/storage"
)

// maxConcurrentConns caps simultaneous HTTP connections; the write path is
// serialized on one SQLite handle anyway.
const maxConcurrentConns = 64

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recollect server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recollect server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recollect system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recollect.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevelFrom(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "recollect version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFrom(cfg.Log.Level),
	})))

	// Ensure the API token exists in the platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if a server is already running via the health
	// endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recollect is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recollect is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Embedding provider is optional; the store works without one.
	emb, err := embedder.New(embedder.Options{
		Provider:      cfg.Embed.Provider,
		OllamaBaseURL: cfg.Embed.OllamaBaseURL,
		OllamaModel:   cfg.Embed.OllamaModel,
		OpenAIAPIKey:  cfg.Embed.OpenAIAPIKey,
		OpenAIModel:   cfg.Embed.OpenAIModel,
	})
	if err != nil {
		return fmt.Errorf("configuring embedder: %w", err)
	}
	if emb != nil {
		slog.Info("embedding provider configured", "provider", emb.Name())
		if o, ok := emb.(*embedder.Ollama); ok && !o.IsRunning(ctx) {
			printWarning("Ollama is not reachable at %s; embedding jobs will retry", cfg.Embed.OllamaBaseURL)
		}
	}

	// Query pipeline: validator policy, executor, search engine, ingestor.
	policy := sqlguard.DefaultPolicy()
	if cfg.Query.MaxRows > 0 {
		policy.MaxRows = cfg.Query.MaxRows
	}
	executor := query.NewExecutor(store, sqlguard.New(policy))

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Ingestor:  ingest.NewService(store),
		Executor:  executor,
		Search:    search.New(store),
		Embedder:  emb,
		Token:     apiToken,
		AutoEmbed: cfg.Embed.Auto && emb != nil,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConcurrentConns)
	srv := &http.Server{
		Handler: appHandler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// Start the embedding worker when a provider is configured.
	if emb != nil {
		worker := pipeline.NewWorker(store, emb, 500*time.Millisecond)
		go worker.Run(ctx)
	}

	// Build and start the MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.AppDeps{
		Store:    store,
		Executor: executor,
		Search:   search.New(store),
		Embedder: emb,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start the HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "recollect listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recollect is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recollect (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recollect (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Report the embedding provider.
	switch cfg.Embed.Provider {
	case "":
		printStatus("Embedding", "disabled")
	case "ollama":
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		o := embedder.NewOllama(cfg.Embed.OllamaBaseURL, cfg.Embed.OllamaModel)
		if o.IsRunning(ctx) {
			printStatus("Embedding", "%s (Ollama running at %s)", o.Name(), cfg.Embed.OllamaBaseURL)
		} else {
			printStatus("Embedding", "%s (Ollama NOT reachable at %s)", o.Name(), cfg.Embed.OllamaBaseURL)
		}
	default:
		printStatus("Embedding", "%s", cfg.Embed.Provider)
	}

	// Show store counts if the server is running.
	if running {
		if apiToken, tokenErr := config.GetAPIToken(config.NewKeychain()); tokenErr == nil {
			statsResp, err := apiGet(client, serverURL+"/stats", apiToken)
			if err == nil {
				var stats storage.Stats
				if decodeErr := decodeJSON(statsResp, &stats); decodeErr == nil {
					printStatus("Conversations", "%d", stats.Conversations)
					printStatus("Segments", "%d (%d embedded)", stats.Segments, stats.EmbeddedSegments)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
