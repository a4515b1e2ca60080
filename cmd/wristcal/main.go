package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"wristcal/internal/config"
	appLog "wristcal/internal/log"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wristcal",
	Short: "Calendar glance for a watch, fed by its phone companion",
	Long: `wristcal keeps an upcoming-events list on a wearable device.

  - device     cache events, accept batches from the companion, serve the list
  - companion  fetch ICS/CalDAV sources and push batches to the device

Both sides read the same YAML config; each uses its own section.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/wristcal/config.yaml", "Path to config file")
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(companionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies its log level.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return nil, err
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}
	return conf, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// serveHTTP runs srv until ctx is canceled and then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func schedule(c *cron.Cron, job, spec string, fn func()) error {
	if _, err := c.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule %s %q: %w", job, spec, err)
	}
	appLog.Info("scheduled", "job", job, "spec", spec)
	return nil
}

// authHeader carries the shared Basic Auth credentials on the link dial.
func authHeader(auth *config.BasicAuthConfig) http.Header {
	h := http.Header{}
	if auth.Enabled() {
		token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+token)
	}
	return h
}

func credentials(auth *config.BasicAuthConfig) (string, string) {
	if !auth.Enabled() {
		return "", ""
	}
	return auth.Username, auth.Password
}
