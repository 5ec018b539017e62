package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/scribo/internal/api"
	"github.com/kalambet/scribo/internal/chat"
	"github.com/kalambet/scribo/internal/config"
	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/knowledge"
	"github.com/kalambet/scribo/internal/llm"
	"github.com/kalambet/scribo/internal/orchestrator"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/review"
	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
	"github.com/kalambet/scribo/internal/writer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scribo server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scribo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scribo system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scribo.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "scribo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse a second instance on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scribo is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scribo is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Primary backends are optional: either one missing means its
	// subsystem runs local-only from the start.
	var vectorPrimary vector.Store
	if cfg.Qdrant.BaseURL != "" {
		vectorPrimary = vector.NewQdrantStore(cfg.Qdrant.BaseURL, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions)
		slog.Info("primary vector store configured", "url", cfg.Qdrant.BaseURL, "collection", cfg.Qdrant.Collection)
	} else {
		slog.Info("no primary vector store configured, fragments stay local")
	}

	var reportsPrimary storage.ReportStore
	if cfg.Postgres.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := storage.ConnectPostgres(connectCtx, cfg.Postgres.URL)
		cancel()
		if err != nil {
			return fmt.Errorf("configuring primary report store: %w", err)
		}
		reportsPrimary = pg
		defer pg.Close()
		slog.Info("primary report store configured")
	} else {
		slog.Info("no primary report store configured, reports stay local")
	}

	vectorFallback := vector.NewSQLiteStore(store.DB())
	policy := failover.NewPolicy(vectorPrimary, vectorFallback, reportsPrimary, store)

	llmClient := llm.NewClient(llm.Options{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		ChatModel:  cfg.LLM.ChatModel,
		EmbedModel: cfg.LLM.EmbedModel,
	})

	jobTimeout, err := cfg.JobTimeout()
	if err != nil {
		return err
	}
	reviewTimeout, err := cfg.ReviewTimeout()
	if err != nil {
		return err
	}

	researchStage := research.NewStage(llmClient, llmClient, logger)
	writeStage := writer.NewStage(llmClient, llmClient, cfg.Pipeline.TopK, logger)
	reviewer := review.NewReviewer(llmClient, cfg.Pipeline.ReviewEnabled, reviewTimeout, logger)
	orch := orchestrator.New(store, policy, researchStage, writeStage, reviewer, orchestrator.Options{
		JobTimeout:        jobTimeout,
		MaxConcurrentJobs: int64(cfg.Pipeline.MaxConcurrentJobs),
	}, logger)

	responder := chat.NewResponder(store, policy, llmClient, llmClient, cfg.Pipeline.TopK, logger)

	appHandler := api.NewAppHandler(api.AppDeps{
		Jobs:   orch,
		Chat:   responder,
		Store:  store,
		Policy: policy,
		Token:  apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Background ingest worker for document and report indexing.
	worker := knowledge.NewWorker(store, policy, llmClient, logger)
	go worker.Run(ctx)

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Jobs:     orch,
		Store:    store,
		Policy:   policy,
		Embedder: llmClient,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scribo listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Let in-flight jobs record their outcome before the store closes.
	if err := orch.Wait(shutdownCtx); err != nil {
		slog.Warn("shutdown with jobs still in flight", "error", err)
	}
	return nil
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
		printError("scribo is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scribo (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scribo (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Qdrant.BaseURL != "" {
		qResp, err := client.Get(cfg.Qdrant.BaseURL + "/healthz")
		if err != nil {
			printStatus("Qdrant", "unreachable at %s", cfg.Qdrant.BaseURL)
		} else {
			qResp.Body.Close()
			printStatus("Qdrant", "running at %s", cfg.Qdrant.BaseURL)
		}
	} else {
		printStatus("Qdrant", "not configured (local vectors)")
	}

	if cfg.Postgres.URL != "" {
		printStatus("Postgres", "configured")
	} else {
		printStatus("Postgres", "not configured (local reports)")
	}

	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
