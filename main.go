package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/crypto/acme/autocert"

	"github.com/anancus/anancus/activitypub"
	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/stator"
	"github.com/anancus/anancus/util"
	"github.com/anancus/anancus/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := util.ReadConf()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	logger := newLogger(conf.Conf.LogLevel)

	store, err := db.Open(conf.Conf.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The local domain row anchors every identity we mint.
	if err := store.UpsertDomain(ctx, &domain.Domain{
		Domain: conf.Conf.SslDomain,
		Local:  true,
		Public: true,
	}); err != nil {
		return fmt.Errorf("register local domain: %w", err)
	}

	client := activitypub.NewClient(util.GetNameAndVersion(), conf.Conf.BlockedRanges)
	service := activitypub.NewService(store, client, conf, logger)

	graphs, err := service.Graphs()
	if err != nil {
		return fmt.Errorf("build state graphs: %w", err)
	}
	runner, err := stator.NewRunner(store, logger, stator.Options{
		Concurrency:      conf.Conf.Concurrency,
		ConcurrencyPer:   conf.Conf.ConcurrencyPer,
		ScheduleInterval: time.Duration(conf.Conf.ScheduleSecs) * time.Second,
		LockExpiry:       time.Duration(conf.Conf.LockExpirySecs) * time.Second,
		LivenessFile:     conf.Conf.LivenessFile,
		SdNotify:         true,
	}, graphs...)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	server := web.NewServer(store, service, conf, logger)
	server.SetHeartbeat(runner.LastSweep)

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpDone := make(chan error, 1)
	if conf.Conf.AutoTLS {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(conf.Conf.SslDomain),
			Cache:      autocert.DirCache("certs"),
		}
		httpServer.Addr = ":443"
		httpServer.TLSConfig = manager.TLSConfig()
		go func() { httpDone <- httpServer.ListenAndServeTLS("", "") }()
	} else {
		httpServer.Addr = fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		go func() { httpDone <- httpServer.ListenAndServe() }()
	}
	logger.Info("listening", "addr", httpServer.Addr, "domain", conf.Conf.SslDomain)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready failed", "err", err)
	}

	select {
	case err := <-httpDone:
		stop()
		<-runnerDone
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http shutdown", "err", err)
	}
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runner: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
