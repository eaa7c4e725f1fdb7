package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/internal/node"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	zlogger *zap.Logger

	// Command-line flags
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Participant id; must appear in the participants list (overrides config)")
	httpAddr   = flag.String("http_addr", "", "HTTP bind address for health, status and reads (overrides config)")
)

const ShutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Can't load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *httpAddr != "" {
		cfg.Node.HTTPAddress = *httpAddr
	}
	if cfg.Node.ID == "" || cfg.Node.ID == cfg.Coordinator.ID {
		log.Fatalf("CRITICAL: -node_id must name a participant, one of %v", cfg.ParticipantIDs())
	}

	zlogger, err = logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	zlogger.Info("Starting GojoTxn participant",
		zap.String("nodeID", cfg.Node.ID),
		zap.String("listenAddr", cfg.ListenAddress()),
		zap.String("coordinator", cfg.Coordinator.ID),
		zap.String("logBackend", cfg.Log.Backend),
		zap.Bool("tls", cfg.TLS.Enabled),
	)

	n, err := node.New(cfg, zlogger)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize participant", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		zlogger.Fatal("CRITICAL: Failed to start participant", zap.Error(err))
	}
	if uncertain := n.Participant().Uncertain(); len(uncertain) > 0 {
		zlogger.Info("Waiting on the coordinator for in-doubt transactions", zap.Uint64s("txnIDs", uncertain))
	}

	<-ctx.Done()
	zlogger.Info("Received signal, initiating graceful shutdown")

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := n.Stop(sctx); err != nil {
		zlogger.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	zlogger.Info("GojoTxn participant shut down gracefully.")
}
