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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatstream/internal/backend"
	"github.com/user/chatstream/internal/config"
	ctxengine "github.com/user/chatstream/internal/context"
	"github.com/user/chatstream/internal/journal"
	"github.com/user/chatstream/internal/normalize"
	"github.com/user/chatstream/internal/session"
	"github.com/user/chatstream/internal/telegram"
	"github.com/user/chatstream/internal/transport"
	"github.com/user/chatstream/internal/vision"
	"github.com/user/chatstream/pkg/llm"
	"github.com/user/chatstream/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatstream daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "chatstream.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func newGateway(cfg *config.Config, provider llm.Provider, engine *ctxengine.Engine) (backend.Gateway, error) {
	switch cfg.Backend.Mode {
	case "", "http":
		if cfg.Backend.URL == "" {
			return nil, errors.New("backend.url is required in http mode")
		}
		return backend.NewHTTPGateway(cfg.Backend.URL, config.Seconds(cfg.Backend.TimeoutSec)), nil
	case "direct":
		return backend.NewDirectGateway(provider, engine), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

func newAnalyzer(cfg *config.Config) session.ImageAnalyzer {
	if !cfg.Vision.Enabled {
		return nil
	}
	vc := &llm.Config{
		BaseURL:   firstNonEmpty(cfg.Vision.BaseURL, cfg.LLM.BaseURL),
		APIKey:    firstNonEmpty(cfg.Vision.APIKey, cfg.LLM.APIKey),
		Model:     firstNonEmpty(cfg.Vision.Model, cfg.LLM.Model),
		MaxTokens: cfg.Vision.MaxTokens,
		Timeout:   config.Seconds(cfg.Images.TimeoutSec),
	}
	return vision.NewAnalyzer(vision.NewLLMDescriber(openai.New(vc)), vision.Options{
		Concurrency: cfg.Images.Concurrency,
		Timeout:     config.Seconds(cfg.Images.TimeoutSec),
		MaxBytes:    int(cfg.Images.MaxBytes),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     config.Seconds(cfg.LLM.TimeoutSec),
	})

	// Context engine: prompt budget for direct mode, token counts for metrics
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	gw, err := newGateway(cfg, provider, engine)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Normalizer: normalize.New(cfg.Session.PartitionPrefix),
		Analyzer:   newAnalyzer(cfg),
		Gateway:    gw,
		Tokens:     engine,
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr = journal.New(cfg.DataDir)
		deps.Recorder = jr

		janitor := journal.NewJanitor(jr, cfg.Journal.Schedule, time.Duration(cfg.Journal.RetentionHours)*time.Hour)
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("start journal janitor: %w", err)
		}
		defer janitor.Stop()
	}

	manager := session.NewManager(deps, session.Config{
		Workers:           int64(cfg.Session.Workers),
		QueueSize:         cfg.Session.QueueSize,
		SearchTimeout:     config.Seconds(cfg.Session.SearchTimeoutSec),
		AnalysisTimeout:   config.Seconds(cfg.Session.AnalysisTimeoutSec),
		GenerationTimeout: config.Seconds(cfg.Session.GenerationTimeoutSec),
	})
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("chatstream started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"workers", cfg.Session.Workers,
		"backend_mode", cfg.Backend.Mode,
		"vision", cfg.Vision.Enabled,
		"journal", cfg.Journal.Enabled,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, manager, cfg.Telegram.Partition)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started", "partition", cfg.Telegram.Partition)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// HTTP server: SSE, WebSocket and debug API
	if cfg.HTTP.Enabled {
		srv := transport.NewServer(manager, jr, transport.Options{
			Keepalive:    config.Seconds(cfg.Transport.KeepaliveSec),
			CoalesceText: cfg.Transport.CoalesceText,
			CoalesceMin:  cfg.Transport.CoalesceMin,
			CoalesceIdle: time.Duration(cfg.Transport.CoalesceIdleMs) * time.Millisecond,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
				cancel()
			}
		}()
		defer func() {
			// Cancelling sessions first lets open streams send their end event.
			manager.Close()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return errors.New("http server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}
