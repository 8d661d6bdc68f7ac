package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jobchat/internal/adapters/httpapi"
	"jobchat/internal/app"
	"jobchat/internal/config"
	"jobchat/internal/identity"
	logx "jobchat/pkg/logx"
	"jobchat/pkg/systemd"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := run(cfgPath, envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	logs, log := logx.NewService(app.MapLoggingConfig(cfg))
	a, err := app.New(cfg, app.Deps{Log: log, Logs: logs, Config: cfgm})
	if err != nil {
		_ = logs.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	tokens, err := identity.NewTokenVerifier(cfg.Identity.TokenSecret, a.Directory())
	if err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	srv := httpapi.New(a, tokens, log.With(logx.String("comp", "http")))
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Start(cfg.HTTP.AddrOrDefault()) }()

	sd := systemd.New(log.With(logx.String("comp", "systemd")))
	sd.Ready()
	go sd.Watchdog(ctx)

	var reason app.StopReason
	var runErr error
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case err := <-httpErr:
		reason, runErr = app.StopFatalError, err
	case <-a.Done():
		reason, runErr = app.StopFatalError, a.Err()
	}
	sd.Stopping()
	cancel()

	timeout, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		timeout = 10 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	if err := a.Stop(shutdownCtx, reason); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
