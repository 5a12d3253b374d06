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
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spendo/spendo/internal/accounts"
	"github.com/spendo/spendo/internal/advisor"
	"github.com/spendo/spendo/internal/api"
	"github.com/spendo/spendo/internal/chat"
	"github.com/spendo/spendo/internal/config"
	"github.com/spendo/spendo/internal/convo"
	"github.com/spendo/spendo/internal/identity"
	"github.com/spendo/spendo/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the spendo server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running spendo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spendo system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "spendo.pid")
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
	fmt.Fprintf(os.Stderr, "spendo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Check if a server is already listening before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/chat", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("spendo is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("spendo is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the configured store backend.
	var (
		store  chat.Store
		titler convo.Titler
		sqlDB  *storage.Store
	)
	registry := identity.SessionRegistry(identity.NewMemoryRegistry(30 * time.Minute))
	mappings := identity.MappingStore(nil)

	switch cfg.Storage.Backend {
	case "memory":
		mem := chat.NewMemoryStore()
		store = mem
		titler = convo.InlineTitler{Store: mem}
		mappings = newMemoryMappings()
	default:
		db, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
			}
		}()
		sqlDB = db
		store = db
		titler = convo.QueueTitler{Queue: db}
		mappings = db
		registry = db
	}

	resolver := identity.NewResolver(mappings, registry, store)
	generator := advisor.NewClientWithBaseURL(cfg.Advisor.APIKey, cfg.Advisor.Model, cfg.Advisor.BaseURL)
	balances := accounts.New(cfg.Accounts.BaseURL)
	orch := convo.New(store, resolver, generator, balances, titler)
	sessions := api.NewSessionManager(registry)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(orch, store, sessions),
	}

	// MCP server over stdio, for desktop agents.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(store))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	g, gctx := errgroup.WithContext(ctx)

	if sqlDB != nil {
		worker := convo.NewTitleWorker(sqlDB, sqlDB, 500*time.Millisecond)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "spendo listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// memoryMappings backs the thread to user association when running
// without sqlite. First write wins, matching the relational table.
type memoryMappings struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemoryMappings() *memoryMappings {
	return &memoryMappings{m: make(map[string]string)}
}

func (s *memoryMappings) ThreadUser(_ context.Context, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.m[threadID]
	if !ok {
		return "", chat.ErrNotFound
	}
	return uid, nil
}

func (s *memoryMappings) SaveThreadUser(_ context.Context, threadID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[threadID]; !ok {
		s.m[threadID] = userID
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
		printError("spendo is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop spendo (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to spendo (PID %d)", pid)
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

	resp, err := client.Get(serverURL + "/chat")
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

	printStatus("Advisor model", "%s", cfg.Advisor.Model)
	printStatus("Accounts service", "%s", cfg.Accounts.BaseURL)
	printStatus("Storage backend", "%s", cfg.Storage.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
