package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/llm-gateway/internal/infrastructure/config"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/creds"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/credstore"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/deviceauth"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/forwarder"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/logger"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/upstream"
	gatewayhttp "github.com/ngoclaw/llm-gateway/internal/interfaces/http"
	"github.com/ngoclaw/llm-gateway/internal/interfaces/http/handlers"
	"github.com/ngoclaw/llm-gateway/pkg/safego"
)

const (
	appName    = "llm-gateway"
	appVersion = "1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Translates OpenAI- and Anthropic-dialect chat requests onto a GitHub Copilot-backed upstream",
		RunE:  runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Run the device-authorization flow and cache the resulting OAuth token",
		RunE:  runLogin,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Clear the cached OAuth token",
		RunE:  runLogout,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset-fallback",
		Short: "Clear the in-process session-sticky fallback model (test/operator tooling)",
		RunE:  runResetFallback,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type wiring struct {
	cfg       *config.Config
	log       *zap.Logger
	logLevel  zap.AtomicLevel
	store     *credstore.FileStore
	auth      *deviceauth.Client
	upstream  *upstream.Client
	credsMgr  *creds.Manager
	forwarder *forwarder.Forwarder
}

func wire() (*wiring, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, level, err := logger.NewAtomicLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stdout"})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	store := credstore.New(cfg.Credentials.AppFile, cfg.Credentials.ForeignFile, cfg.Credentials.AppID, cfg.Credentials.Host, log)
	auth := deviceauth.New(cfg.Upstream.ClientID, cfg.Upstream.IdentityBaseURL, log)
	upstreamClient := upstream.New(cfg.Upstream.IdentityBaseURL, cfg.Upstream.APIBaseURL, log)
	credsMgr := creds.New(store, auth, upstreamClient, cfg.Upstream.APIBaseURL, log)
	fwd := forwarder.New(credsMgr, upstreamClient, log)

	return &wiring{
		cfg:       cfg,
		log:       log,
		logLevel:  level,
		store:     store,
		auth:      auth,
		upstream:  upstreamClient,
		credsMgr:  credsMgr,
		forwarder: fwd,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.log.Sync()

	openaiHandler := handlers.NewOpenAIHandler(w.forwarder, w.upstream, w.credsMgr, w.log)
	anthropicHandler := handlers.NewAnthropicHandler(w.forwarder, w.log)

	server := gatewayhttp.NewServer(gatewayhttp.Config{
		Host: w.cfg.Gateway.Host,
		Port: w.cfg.Gateway.Port,
		Mode: w.cfg.Gateway.Mode,
	}, openaiHandler, anthropicHandler, w.log)

	watcher, err := config.NewWatcher(w.cfg.ConfigFilePath, w.logLevel, w.log)
	if err != nil {
		w.log.Warn("config watcher init failed, hot-reload disabled", zap.Error(err))
	} else {
		safego.Go(w.log, "config-watcher", func() {
			if err := watcher.Start(); err != nil {
				w.log.Warn("config watcher stopped", zap.Error(err))
			}
		})
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		w.log.Error("failed to start HTTP server", zap.Error(err))
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	w.log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		w.log.Error("error during shutdown", zap.Error(err))
		return err
	}
	w.log.Info("gateway stopped")
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.log.Sync()

	token, user, err := w.auth.PerformDeviceAuthFlow(context.Background())
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}
	if err := w.store.SaveOAuthToken(token, user); err != nil {
		return fmt.Errorf("save OAuth token: %w", err)
	}
	fmt.Printf("Logged in as %s. Token cached at %s\n", user, w.cfg.Credentials.AppFile)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.log.Sync()

	if err := os.Remove(w.cfg.Credentials.AppFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached credentials at %s: %w", w.cfg.Credentials.AppFile, err)
	}
	fmt.Println("Logged out: cached credentials cleared.")
	return nil
}

// runResetFallback clears session_fallback_model on a freshly-wired
// in-process Forwarder. It has no effect on an already-running `serve`
// process in a different OS process — there is no admin channel between
// them — so this is primarily useful from test harnesses and scripts that
// embed the CLI rather than as a remote control for a live server.
func runResetFallback(cmd *cobra.Command, args []string) error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.log.Sync()

	w.forwarder.ResetFallbackModel()
	fmt.Println("session_fallback_model reset.")
	return nil
}
