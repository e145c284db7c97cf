package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hpcagent/pkg/api"
	"github.com/cuemby/hpcagent/pkg/events"
	"github.com/cuemby/hpcagent/pkg/executor"
	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/cuemby/hpcagent/pkg/monitor"
	"github.com/cuemby/hpcagent/pkg/naming"
	"github.com/cuemby/hpcagent/pkg/storage"
	"github.com/cuemby/hpcagent/pkg/tasktable"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node agent",
	Long: `Run the node agent in the foreground. The agent listens for scheduler
requests, supervises task processes and reports until SIGINT or SIGTERM.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})
	metrics.SetVersion(Version)
	logger := log.WithComponent("main")

	// Bind first so a busy port fails before anything starts
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return withExitCode(types.FailedToOpenPortExitCode,
			fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err))
	}

	nodeUUID, err := cfg.ResolveNodeUUID()
	if err != nil {
		nodeUUID = uuid.New()
		logger.Warn().Err(err).Str("node_uuid", nodeUUID.String()).
			Msg("Using a random node uuid; set node_uuid to keep it stable")
	}

	store, err := storage.NewOsMarkerStore(cfg.DataDir)
	if err != nil {
		listener.Close()
		return withExitCode(types.WriteFileErrorExitCode, err)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		listener.Close()
		return withExitCode(types.WriteFileErrorExitCode,
			fmt.Errorf("failed to create scratch dir: %w", err))
	}

	broker := events.NewBroker()
	broker.Start()
	collector := metrics.NewCollector(broker)
	collector.Start()

	resolver := naming.NewResolver(naming.Config{
		ServiceURIs: cfg.Naming.ServiceURIs,
		Interval:    cfg.Naming.Interval,
	})

	mon := monitor.New(monitor.Config{
		Name:        cfg.NodeName,
		NetworkName: cfg.NetworkName,
		Interval:    cfg.Metric.Interval,
		NodeUUID:    nodeUUID,
		InstanceIDs: &monitor.InstanceIDClient{
			URI: func(ctx context.Context) (string, error) {
				if cfg.MetricInstanceIDsURI == "" {
					return "", nil
				}
				return resolver.ResolveURI(ctx, cfg.MetricInstanceIDsURI)
			},
			Client: &http.Client{Timeout: cfg.Callback.Timeout},
		},
		InvalidateNaming: resolver.InvalidateCache,
	})
	mon.Start()

	table := tasktable.New(cfg.NodeName)
	table.SetMacAddress(mon.MacAddress())

	exec := executor.New(executor.Config{
		ScratchDir:        cfg.ScratchDir,
		HeartbeatURI:      cfg.Heartbeat.URI,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		MetricURI:         cfg.Metric.URI,
		MetricInterval:    cfg.Metric.Interval,
		RegisterURI:       cfg.Register.URI,
		RegisterInterval:  cfg.Register.Interval,
		ReportTimeout:     cfg.Callback.Timeout,
	}, executor.Deps{
		Table:    table,
		Resolver: resolver,
		Metrics:  mon,
		Store:    store,
		Broker:   broker,
		Callback: executor.NewCallbackClient(cfg.Callback.Retries, cfg.Callback.Timeout),
	})
	if err := exec.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore report targets")
	}

	server := api.NewServer(api.Config{
		NodeName:          cfg.NodeName,
		AuthenticationKey: cfg.ClusterAuthenticationKey,
		Debug:             cfg.Debug,
	}, exec)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Info().
		Str("node", cfg.NodeName).
		Str("address", listener.Addr().String()).
		Str("node_uuid", nodeUUID.String()).
		Msg("Node agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			runErr = fmt.Errorf("api server failed: %w", err)
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	exec.Stop()
	mon.Stop()
	collector.Stop()
	broker.Stop()

	logger.Info().Msg("Shutdown complete")
	return runErr
}
