package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/mediabridge-router/pkg/admin"
	"github.com/ethan/mediabridge-router/pkg/config"
	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/ids"
	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/ethan/mediabridge-router/pkg/registry"
	"github.com/ethan/mediabridge-router/pkg/session"
	"github.com/ethan/mediabridge-router/pkg/sfu"
	"github.com/ethan/mediabridge-router/pkg/wsconn"
)

const (
	adminListenAddr      = ":8080"
	adminShutdownTimeout = 10 * time.Second
)

func main() {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Media router: WebRTC camera ingest, device/stream registry, plain-RTP egress bridge\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting media router", "log_config", logFlags.String())

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"announcedIp", cfg.AnnouncedIP,
		"webrtcPorts", fmt.Sprintf("%d-%d", cfg.WebRTCPortMin, cfg.WebRTCPortMax),
		"egressPorts", fmt.Sprintf("%d-%d", cfg.EgressPortMin, cfg.EgressPortMax),
		"codecs", cfg.Codecs,
		"graceWindow", cfg.GraceWindow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	bus := events.NewBus(log.With("component", "events"))
	reg := registry.New(bus, cfg.GraceWindow, log.With("component", "registry"))

	router, err := sfu.NewRouter(cfg, bus, reg, log.With("component", "sfu"))
	if err != nil {
		log.Error("failed to create router", "error", err)
		os.Exit(1)
	}

	adminServer := admin.NewServer(router, reg, log.With("component", "admin"))
	if err := adminServer.Start(adminListenAddr); err != nil {
		log.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer stopCancel()
		if err := adminServer.Stop(stopCtx); err != nil {
			log.Error("failed to stop admin server", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", wsconn.HandleFunc(bus, log.With("component", "wsconn"), func() *session.Session {
		return session.New(ids.New(), router, reg, bus, log.With("component", "session"))
	}))

	signalAddr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	signalServer := &http.Server{Addr: signalAddr, Handler: mux}

	go func() {
		log.Info("signaling server listening", "address", signalAddr)
		if err := signalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("signaling server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer shutdownCancel()
	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop signaling server", "error", err)
	}

	log.Info("graceful shutdown complete")
}
