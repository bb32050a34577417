package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

	"github.com/spf13/cobra"

	"github.com/kalambet/deflect/internal/api"
	"github.com/kalambet/deflect/internal/completion"
	"github.com/kalambet/deflect/internal/composer"
	"github.com/kalambet/deflect/internal/config"
	"github.com/kalambet/deflect/internal/conversation"
	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/feedback"
	"github.com/kalambet/deflect/internal/gaps"
	"github.com/kalambet/deflect/internal/httpjson"
	"github.com/kalambet/deflect/internal/jobs"
	"github.com/kalambet/deflect/internal/learning"
	"github.com/kalambet/deflect/internal/orchestrator"
	"github.com/kalambet/deflect/internal/retrieval"
	"github.com/kalambet/deflect/internal/router"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deflect server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running deflect server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "deflect.pid")
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

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the wired server. Close releases what build opened.
type app struct {
	handler   http.Handler
	worker    *jobs.Worker
	scheduler *jobs.Scheduler
	problems  []*config.ConfigurationError
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

func newEmbeddingBackend(cfg config.EmbeddingConfig) embedding.Backend {
	if cfg.Provider == "openai" {
		return embedding.NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)
	}
	return embedding.NewHTTPBackend(httpjson.New(httpjson.BearerAuth(cfg.APIKey), cfg.Timeout), cfg.BaseURL, cfg.Model)
}

func newCompleter(cfg config.CompletionConfig) completion.Completer {
	opts := completion.Options{
		Model:           cfg.Model,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.Provider == "openai" {
		return completion.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Timeout, opts)
	}
	client := httpjson.New(httpjson.HeaderAuth{Name: "x-goog-api-key", Value: cfg.APIKey}, cfg.Timeout)
	return completion.NewGemini(client, cfg.BaseURL, opts)
}

func conversationOptions(cfg config.ConversationConfig) conversation.Options {
	return conversation.Options{
		LockTTL:           cfg.LockTTL,
		LockWait:          cfg.LockWait,
		IdempotencyWindow: cfg.IdempotencyWindow,
		HistoryTurns:      cfg.HistoryTurns,
		HistoryTTL:        cfg.HistoryTTL,
	}
}

// buildApp wires every component from cfg. Stages whose configuration is
// incomplete are left out and reported through problems.
func buildApp(ctx context.Context, cfg config.Config, token string, logger *slog.Logger) (*app, error) {
	a := &app{problems: cfg.Readiness()}
	for _, p := range a.problems {
		logger.Warn("configuration problem", "key", p.Key, "reason", p.Reason)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	vectors := retrieval.NewSQLiteStore(store, logger)
	embedder := embedding.NewEmbedder(newEmbeddingBackend(cfg.Embedding), cfg.Embedding.Dimensions)
	faqs := faq.NewService(store, embedder, vectors, logger)

	var (
		searcher  *search.Searcher
		completer completion.Completer
	)
	if cfg.EmbeddingReady() {
		searcher = search.New(embedder, vectors, logger)
	}
	if cfg.CompletionReady() {
		completer = newCompleter(cfg.Completion)
	}

	rules, err := router.LoadRules(cfg.Router.RulesFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	rt, err := router.New(rules, router.Contact{Email: cfg.Router.ContactEmail, URL: cfg.Router.SupportURL})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("compiling router rules: %w", err)
	}

	var conv orchestrator.Conversation
	if cfg.Redis.Addr != "" {
		rdb, err := conversation.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		conv = conversation.NewRedis(rdb, conversationOptions(cfg.Conversation))
		logger.Info("conversation state in redis", "addr", cfg.Redis.Addr)
	} else {
		conv = conversation.NewMemory(conversationOptions(cfg.Conversation))
		logger.Info("conversation state in process memory")
	}

	tracker := gaps.NewTracker(store, logger)
	orchOpts := orchestrator.Options{
		SearchThreshold: cfg.Search.Threshold,
		SearchLimit:     cfg.Search.Limit,
		LockTTL:         cfg.Conversation.LockTTL,
	}
	comp := composer.New(cfg.Completion.MaxPromptChars, orchestrator.Boilerplate()...)

	// Interface values stay untyped nil when a stage is not configured.
	var (
		orchSearch orchestrator.Searcher
		apiSearch  api.Searcher
	)
	if searcher != nil {
		orchSearch, apiSearch = searcher, searcher
	}
	orch := orchestrator.New(rt, orchSearch, completer, comp, conv, tracker, store, orchOpts, logger)

	reviewer := gaps.NewReviewer(store, faqs, logger)
	clusterer := gaps.NewClusterer(store, completer, cfg.Gaps.ClusterBatch, logger)

	a.worker = jobs.NewWorker(store, 500*time.Millisecond, logger)
	a.worker.Handle(jobs.TypeFAQReindex, jobs.ReindexHandler(faqs, logger))
	a.worker.Handle(jobs.TypeGapCluster, jobs.ClusterHandler(clusterer, logger))

	a.scheduler = jobs.NewScheduler(a.worker, logger)
	if err := a.scheduler.SweepEvery("@every 15m"); err != nil {
		a.Close()
		return nil, err
	}
	if completer != nil {
		if err := a.scheduler.Every(cfg.Gaps.ClusterSchedule, jobs.TypeGapCluster); err != nil {
			a.Close()
			return nil, err
		}
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Search:   apiSearch,
		FAQs:     faqs,
		Clusters: reviewer,
		Stats:    store,
		Version:  version,
	})
	a.handler = api.NewHandler(api.Deps{
		Chat:           orch,
		Search:         apiSearch,
		FAQs:           faqs,
		Gaps:           tracker,
		Clusters:       reviewer,
		Learning:       learning.NewService(store, faqs, logger),
		Feedback:       feedback.NewMonitor(store, faqs, feedback.Options(cfg.Feedback), logger),
		Stats:          store,
		Jobs:           a.worker,
		Problems:       a.problems,
		Token:          token,
		AllowedOrigins: cfg.Server.Origins(),
		Version:        version,
		Logger:         logger,
	}, mcpSrv)

	// FAQs embedded with a previous model are re-embedded in the background.
	if cfg.EmbeddingReady() {
		if _, err := a.worker.Enqueue(ctx, jobs.TypeFAQReindex, jobs.ReindexPayload{}); err != nil {
			logger.Warn("queueing startup reindex", "error", err)
		}
	}
	return a, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "deflect version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	token, err := config.EnsureAPIToken(cfg, config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, token, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.worker.Run(ctx)
	}()
	a.scheduler.Start()
	defer a.scheduler.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("deflect listening", "addr", addr, "ready", len(a.problems) == 0)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-workerDone
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("deflect is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("stopping deflect (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to deflect (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	default:
		var health struct {
			Status   string   `json:"status"`
			Version  string   `json:"version"`
			Problems []string `json:"problems"`
		}
		json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		printStatus("Server", "running on port %d (%s, version %s)", cfg.Server.Port, health.Status, health.Version)
		for _, p := range health.Problems {
			printWarning("%s", p)
		}
	}

	printStatus("Embedding", "%s %s (%d dims)", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	printStatus("Completion", "%s %s", cfg.Completion.Provider, cfg.Completion.Model)
	if cfg.Redis.Addr != "" {
		printStatus("Conversations", "redis at %s", cfg.Redis.Addr)
	} else {
		printStatus("Conversations", "in-process memory")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	for _, p := range cfg.Readiness() {
		printWarning("%v", p)
	}
	return nil
}
