// Package node assembles a networked coordinator or participant from its
// configuration: the transaction log, the gRPC server and client, telemetry
// and the HTTP status endpoints.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sushant-115/gojotxn/api/rpc"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/coordinator"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/connection"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
)

const httpShutdownTimeout = 5 * time.Second

// Node is one process of the cluster.
type Node struct {
	cfg    config.Config
	role   Role
	logger *zap.Logger

	tel               *telemetry.Telemetry
	shutdownTelemetry telemetry.ShutdownFunc

	log    wal.Log
	pool   *connection.PoolManager
	client *rpc.Client
	server *rpc.Server
	lis    net.Listener
	http   *http.Server

	coord *coordinator.Coordinator
	part  *participant.Participant

	wg sync.WaitGroup
}

// New builds the node named by cfg.Node.ID. Its role follows from whether
// that id is the coordinator's. Nothing is recovered or served until Start.
func New(cfg config.Config, logger *zap.Logger) (_ *Node, err error) {
	if cfg.Node.ID == "" {
		return nil, errors.New("node: node.id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:    cfg,
		role:   RoleParticipant,
		logger: logger.With(zap.String("node_id", cfg.Node.ID)),
	}
	if cfg.Node.ID == cfg.Coordinator.ID {
		n.role = RoleCoordinator
	}
	defer func() {
		if err != nil {
			_ = n.release()
			if n.shutdownTelemetry != nil {
				_ = n.shutdownTelemetry(context.Background())
			}
		}
	}()

	n.tel, n.shutdownTelemetry, err = telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rpcMetrics, err := internaltelemetry.NewRPCMetrics(n.tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc metrics: %w", err)
	}
	txnMetrics, err := internaltelemetry.NewTxnMetrics(n.tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
	}

	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(rpcMetrics.UnaryServerInterceptor())}
	var dialOpts []grpc.DialOption
	if cfg.TLS.Enabled {
		serverTLS, err := certs.LoadServerTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		clientTLS, err := certs.LoadClientTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(serverTLS)))
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
	}
	n.pool = connection.NewPoolManager(dialOpts...)
	n.client = rpc.NewClient(cfg.AddressBook(), n.pool, n.logger)

	n.log, err = wal.Open(cfg.Log.Backend, filepath.Join(cfg.Log.Dir, cfg.Node.ID), cfg.Log.SegmentSize, n.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}

	var handler transport.Handler
	switch n.role {
	case RoleCoordinator:
		n.coord, err = coordinator.New(cfg.CoordinatorConfig(), n.log, n.client, n.logger,
			coordinator.WithMetrics(txnMetrics), coordinator.WithTracer(n.tel.Tracer))
		handler = n.coord
	default:
		n.part, err = participant.New(cfg.ParticipantConfig(cfg.Node.ID), n.log, n.client, n.logger,
			participant.WithMetrics(txnMetrics))
		handler = n.part
	}
	if err != nil {
		return nil, err
	}
	n.server = rpc.NewServer(cfg.Node.ID, handler, n.logger, serverOpts...)
	return n, nil
}

func (n *Node) Role() Role                            { return n.role }
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }
func (n *Node) Participant() *participant.Participant { return n.part }

// Addr is the gRPC listen address, known once Start has returned.
func (n *Node) Addr() net.Addr {
	if n.lis == nil {
		return nil
	}
	return n.lis.Addr()
}

// Start recovers the node from its log and then serves gRPC, and HTTP when
// configured.
func (n *Node) Start(ctx context.Context) error {
	switch n.role {
	case RoleCoordinator:
		if _, err := n.coord.Recover(ctx); err != nil {
			return fmt.Errorf("coordinator recovery failed: %w", err)
		}
	default:
		if _, err := n.part.Recover(ctx); err != nil {
			return fmt.Errorf("participant recovery failed: %w", err)
		}
	}

	addr := n.cfg.ListenAddress()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}
	n.lis = lis
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(lis); err != nil {
			n.logger.Error("gRPC server failed to serve", zap.Error(err))
		}
	}()

	if n.cfg.Node.HTTPAddress != "" {
		mux := http.NewServeMux()
		n.registerHandlers(mux)
		n.http = &http.Server{Addr: n.cfg.Node.HTTPAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.logger.Info("HTTP server starting", zap.String("address", n.cfg.Node.HTTPAddress))
			if err := n.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("HTTP server failed to serve", zap.Error(err))
			}
		}()
	}

	n.logger.Info("node started",
		zap.String("role", string(n.role)),
		zap.String("grpc_address", lis.Addr().String()),
		zap.String("log_backend", n.cfg.Log.Backend))
	return nil
}

// Stop shuts the servers down, then the protocol engine, then the log.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if n.server != nil {
		n.server.Stop()
	}
	if n.http != nil {
		sctx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
		if err := n.http.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	n.wg.Wait()
	errs = append(errs, n.release())
	if n.shutdownTelemetry != nil {
		if err := n.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

// release closes whatever New managed to build.
func (n *Node) release() error {
	var errs []error
	if n.coord != nil {
		errs = append(errs, n.coord.Close())
	}
	if n.part != nil {
		errs = append(errs, n.part.Close())
	}
	if n.pool != nil {
		errs = append(errs, n.pool.Close())
	}
	if n.log != nil {
		errs = append(errs, n.log.Close())
	}
	return errors.Join(errs...)
}

// SetPeerAddress points outgoing messages for id at address.
func (n *Node) SetPeerAddress(id, address string) { n.client.SetAddress(id, address) }
