package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lanchat/config"
	"lanchat/db"
	"lanchat/db/postgres"
	"lanchat/server"
	"lanchat/store"
)

func main() {
	configPath := flag.String("config", "lanchat.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("lanchat: %v", err)
	}
}

// run returns instead of exiting so that deferred cleanup always happens.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	}
	if len(cfg.Approval.AllowedNetworks) > 0 {
		approver, err := server.NewNetworkApprover(cfg.Approval.AllowedNetworks)
		if err != nil {
			return fmt.Errorf("invalid approval.allowed_networks: %w", err)
		}
		opts = append(opts, server.WithApprover(approver))
	}

	srv := server.New(st, cfg.ServerConfig(), opts...)

	if cfg.Server.MetricsAddress != "" {
		go serveMetrics(cfg.Server.MetricsAddress, reg, logger)
	}
	if cfg.Server.ControlSocket != "" {
		control, err := listenControlSocket(cfg.Server.ControlSocket)
		if err != nil {
			logger.Error("failed to create control socket", zap.Error(err))
		} else {
			defer os.Remove(cfg.Server.ControlSocket)
			defer control.Close()
			logger.Info("control socket listening", zap.String("path", cfg.Server.ControlSocket))
			go serveControlSocket(control, srv, stop, logger)
		}
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func newLogger(cfg config.LogSection) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg config.DatabaseSection) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pg, 0), nil
	default:
		return db.New(cfg.Path)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	logger.Info("metrics listening", zap.String("address", addr))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func listenControlSocket(path string) (net.Listener, error) {
	// Remove a socket left behind by a previous run.
	os.Remove(path)
	return net.Listen("unix", path)
}

func serveControlSocket(listener net.Listener, srv *server.Server, stop context.CancelFunc, logger *zap.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("control socket accept failed", zap.Error(err))
			continue
		}

		go handleControlCommand(conn, srv, stop, logger)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, stop context.CancelFunc, logger *zap.Logger) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		logger.Info("shutdown requested via control socket")
		stop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
