package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relayhttp "viewrelay/internal/http"
	"viewrelay/pkg/cluster"
	"viewrelay/pkg/config"
	"viewrelay/pkg/metrics"
	"viewrelay/pkg/registry"
)

const defaultConfigPath = "viewrelay.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("viewrelay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := os.Getenv("VIEWRELAY_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := initConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(promReg)

	// реестр таблиц живёт столько же, сколько процесс
	reg := registry.New(slog.Default(), collector)
	defer reg.Close()

	server := relayhttp.NewServer(reg, cfg.Server, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	if err := server.Start(); err != nil {
		return err
	}

	if cfg.Discovery.Enabled {
		membership, err := register(ctx, cfg)
		if err != nil {
			_ = server.Stop()
			return err
		}
		defer membership.Close()
	}

	slog.Info("viewrelay is running", "port", cfg.Server.Port)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	slog.Info("viewrelay stopped")
	return nil
}

// register announces this relay in ZooKeeper so tailers can route tables to it.
func register(ctx context.Context, cfg config.Config) (*cluster.ZKMembership, error) {
	addr := cfg.Discovery.AdvertiseAddr
	if env := os.Getenv("VIEWRELAY_ADDR"); env != "" {
		addr = env
	}
	if addr == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("advertise addr: %w", err)
		}
		addr = host + ":" + strconv.Itoa(cfg.Server.Port)
	}

	membership, err := cluster.NewZKMembership(cfg.Discovery.Servers, cfg.Discovery.RootPath, addr, cfg.Discovery.SessionTimeout)
	if err != nil {
		return nil, err
	}
	if err := membership.RegisterSelf(ctx); err != nil {
		membership.Close()
		return nil, fmt.Errorf("register relay: %w", err)
	}
	return membership, nil
}
