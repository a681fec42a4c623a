// Command walproposer starts one proposer process: it connects to its
// configured safekeepers, runs the election and streaming protocol of
// spec.md §4, and serves a metrics endpoint and a read-only status service
// for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"WP/configs"
	"WP/eventloop"
	"WP/host"
	"WP/metrics"
	"WP/proposer"
	"WP/sharedstate"
	"WP/statussvc"
	"WP/term"
)

var (
	configPath    string
	overridesPath string
	pgConnString  string
	metricsAddr   string
	syncMode      bool
)

func init() {
	flag.StringVar(&configPath, "config", "walproposer.properties", "path to the .properties configuration file")
	flag.StringVar(&overridesPath, "overrides", "", "optional JSON overlay applied on top of -config")
	flag.StringVar(&pgConnString, "pg", "", "postgres connection string (ignored in -sync-safekeepers mode)")
	flag.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:7677", "address to serve /metrics on")
	flag.BoolVar(&syncMode, "sync-safekeepers", false, "run in sync-safekeepers mode against a local WAL store instead of a live postgres")
}

func main() {
	flag.Parse()

	cfg, err := configs.Load(configPath, overridesPath)
	configs.CheckFatal(err, "failed to load configuration")
	cfg.SyncSafekeepers = cfg.SyncSafekeepers || syncMode

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wal, err := buildHost(ctx, cfg)
	configs.CheckFatal(err, "failed to set up host capability")
	defer wal.Close(ctx)

	store, err := sharedstate.New(cfg.StateDir + "/mine_last_elected_term.bson")
	configs.CheckFatal(err, "failed to open shared-state store")

	reg := metrics.NewRegistry()
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)
	go serveMetrics(metricsAddr, promReg)

	poll, err := eventloop.NewPoller()
	configs.CheckFatal(err, "failed to create event-loop poller")
	defer poll.Close()

	p, err := proposer.New(cfg, wal, host.SystemClock, host.SystemRand, store, reg, poll)
	configs.CheckFatal(err, "failed to construct proposer")

	grpcSrv := grpc.NewServer()
	statussvc.Register(grpcSrv, statussvc.NewServer(p))
	lis, err := net.Listen("tcp", cfg.StatusListenAddr)
	configs.CheckFatal(err, "failed to bind status service listener")
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			configs.Warnf("status service stopped", configs.Fields{"error": err.Error()})
		}
	}()

	configs.Infof("walproposer starting", configs.Fields{
		"tenant": cfg.Tenant, "timeline": cfg.Timeline,
		"safekeepers": len(cfg.SafekeepersList), "quorum": cfg.Quorum(),
		"sync_safekeepers": cfg.SyncSafekeepers,
	})

	runErr := p.Run(ctx)
	grpcSrv.GracefulStop()
	if runErr != nil && runErr != context.Canceled {
		configs.CheckFatal(runErr, "proposer run loop exited with an error")
	}
	configs.Infof("walproposer shut down cleanly", nil)
}

// buildHost constructs the WAL capability: a live Postgres connection
// normally, or a local tidwall/wal-backed store in sync-safekeepers mode,
// where there is no live primary to query.
func buildHost(ctx context.Context, cfg configs.Config) (host.WAL, error) {
	if cfg.SyncSafekeepers {
		h, err := host.NewWalStoreHost(cfg.StateDir, term.LSN(0))
		if err != nil {
			return nil, fmt.Errorf("cmd/walproposer: open local wal store: %w", err)
		}
		return h, nil
	}
	if pgConnString == "" {
		return nil, fmt.Errorf("cmd/walproposer: -pg is required unless -sync-safekeepers is set")
	}
	h, err := host.NewPgxHost(ctx, pgConnString)
	if err != nil {
		return nil, fmt.Errorf("cmd/walproposer: connect to postgres: %w", err)
	}
	return h, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		configs.Warnf("metrics server stopped", configs.Fields{"error": err.Error()})
	}
}
