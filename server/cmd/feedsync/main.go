// Package main 是 feedsync 服务的入口。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"team-feed/server/internal/api"
	"team-feed/server/internal/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "feedsync"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Team feed cache & change-notification server",
		Long: `feedsync serves per-group team feeds with a short-lived cache,
a "new activity" banner and cross-surface change notifications.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); defaults apply when empty")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.host/port")
	return cmd
}

func serve(configPath, addr string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	server := api.NewServer(cfg, app.deps, app.orchestrator, app.surfaces)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket 连接是长连接，写超时由网关按消息设置。
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("%s server listening on %s", appName, addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Printf("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Close(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}
