package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/internal/node"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	zlogger *zap.Logger

	// Command-line flags
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	httpAddr   = flag.String("http_addr", "", "HTTP bind address for health and status (overrides config)")
	txns       = flag.Int("txns", 0, "Number of random transactions to run after startup")
	interval   = flag.Duration("interval", 100*time.Millisecond, "Delay between random transactions")
	seed       = flag.Int64("seed", time.Now().UnixNano(), "Seed for the random workload")
)

const (
	ShutdownTimeout = 10 * time.Second
	DecisionTimeout = 30 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Can't load configuration: %v", err)
	}
	cfg.Node.ID = cfg.Coordinator.ID
	if *httpAddr != "" {
		cfg.Node.HTTPAddress = *httpAddr
	}

	zlogger, err = logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	zlogger.Info("Starting GojoTxn coordinator",
		zap.String("nodeID", cfg.Node.ID),
		zap.String("listenAddr", cfg.ListenAddress()),
		zap.Strings("participants", cfg.ParticipantIDs()),
		zap.String("logBackend", cfg.Log.Backend),
		zap.Bool("tls", cfg.TLS.Enabled),
	)

	n, err := node.New(cfg, zlogger)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize coordinator", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		zlogger.Fatal("CRITICAL: Failed to start coordinator", zap.Error(err))
	}

	var wg sync.WaitGroup
	if *txns > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorkload(ctx, n)
		}()
	}

	<-ctx.Done()
	zlogger.Info("Received signal, initiating graceful shutdown")
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := n.Stop(sctx); err != nil {
		zlogger.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	zlogger.Info("GojoTxn coordinator shut down gracefully.")
}

// runWorkload begins *txns generated transactions, one every *interval, and
// logs each outcome once it is decided.
func runWorkload(ctx context.Context, n *node.Node) {
	coord := n.Coordinator()
	gen := transaction.NewUniqueGenerator(transaction.NewRandomGenerator(*seed), uint64(time.Now().UnixNano()))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < *txns; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec := gen.Next()
		h, err := coord.Begin(ctx, rec)
		if err != nil {
			zlogger.Error("Failed to begin transaction", zap.Stringer("record", rec), zap.Error(err))
			if errors.Is(err, transaction.ErrCoordinatorHalted) {
				return
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			wctx, cancel := context.WithTimeout(ctx, DecisionTimeout)
			defer cancel()
			out, err := h.Wait(wctx)
			if err != nil {
				zlogger.Warn("No decision before timeout", zap.Uint64("txnID", rec.TxnID), zap.Error(err))
				return
			}
			zlogger.Info("Transaction decided",
				zap.Uint64("txnID", out.TxnID),
				zap.Stringer("decision", out.Decision),
				zap.Stringer("reason", out.Reason),
				zap.String("instanceID", h.InstanceID.String()))
		}()
	}
	zlogger.Info("Workload finished", zap.Int("transactions", *txns))
}
