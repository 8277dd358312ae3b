package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freepress/pkg/api"
	"freepress/pkg/config"
	"freepress/pkg/metrics"
	"freepress/pkg/mirrorfs"
	"freepress/pkg/node"
	"freepress/pkg/substrate/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func nodeCmd() *cobra.Command {
	var (
		dataDir      string
		apiAddress   string
		substrate    string
		relayAddress string
		kuboAPI      string
		title        string
		tags         []string
		trusted      []string
		autoMirror   bool
		noPipeline   bool
		mountpoint   string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a publishing node",
		Long: `Start a node: the snapshot pipeline, the announcement channel, the
discovery registry and the local HTTP control API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("api") {
				cfg.Node.APIAddress = apiAddress
			}
			if flags.Changed("substrate") {
				cfg.Node.Substrate.Kind = substrate
			}
			if flags.Changed("relay") {
				cfg.Node.Substrate.Kind = config.SubstrateRelay
				cfg.Node.Substrate.RelayAddress = relayAddress
			}
			if flags.Changed("kubo") {
				cfg.Node.ContentStore.APIURL = kuboAPI
			}
			if flags.Changed("title") {
				cfg.Node.Publication.Title = title
			}
			if flags.Changed("tag") {
				cfg.Node.Publication.Tags = tags
			}
			if flags.Changed("trust") {
				cfg.Node.TrustedPublishers = append(cfg.Node.TrustedPublishers, trusted...)
			}
			if flags.Changed("auto-mirror") {
				cfg.Node.AutoMirror = autoMirror
			}
			if noPipeline {
				cfg.Node.Pipeline.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := n.Start(ctx); err != nil {
				n.Stop()
				return fmt.Errorf("failed to start node: %w", err)
			}
			defer n.Stop()

			if mountpoint != "" {
				root := mirrorfs.New(mirrorfs.ListerFunc(n.Mirrors), n.ContentStore(), logger.Named("mirrorfs"))
				server, err := mirrorfs.Mount(mountpoint, root)
				if err != nil {
					return err
				}
				defer func() {
					if err := server.Unmount(); err != nil {
						logger.Warn("Failed to unmount mirror filesystem", zap.Error(err))
					}
				}()
				logger.Info("Serving mirrors on filesystem", zap.String("mountpoint", mountpoint))
			}

			logger.Info("Starting node",
				zap.String("sender_id", n.Channel().SenderID()),
				zap.String("substrate", cfg.Node.Substrate.Kind),
				zap.String("api_address", cfg.Node.APIAddress))

			err = api.NewServer(cfg.Node.APIAddress, n, logger.Named("api")).ListenAndServe(ctx)
			logger.Info("Shutting down node")
			return err
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for keys, records and history")
	cmd.Flags().StringVar(&apiAddress, "api", "127.0.0.1:8080", "control API listen address")
	cmd.Flags().StringVar(&substrate, "substrate", config.SubstrateGossipSub, "message substrate: gossipsub, relay or memory")
	cmd.Flags().StringVar(&relayAddress, "relay", "", "relay address; implies --substrate relay")
	cmd.Flags().StringVar(&kuboAPI, "kubo", "", "Kubo RPC API URL")
	cmd.Flags().StringVar(&title, "title", "", "publication title stamped on manifests")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "publication tags")
	cmd.Flags().StringSliceVar(&trusted, "trust", nil, "trusted publisher public keys")
	cmd.Flags().BoolVar(&autoMirror, "auto-mirror", false, "mirror every site announced by a trusted publisher")
	cmd.Flags().BoolVar(&noPipeline, "no-pipeline", false, "disable the scheduled snapshot pipeline")
	cmd.Flags().StringVar(&mountpoint, "mount", "", "also expose mirrored sites read-only at this directory")

	return cmd
}

func relayCmd() *cobra.Command {
	var (
		address     string
		history     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay for nodes that cannot join the gossip network",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Mode = config.ModeRelay
			if cmd.Flags().Changed("address") {
				cfg.Relay.Address = address
			}
			if cmd.Flags().Changed("history") {
				cfg.Relay.History.Backend = history
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			opts, err := cfg.Relay.TLS.ServerOptions()
			if err != nil {
				return fmt.Errorf("failed to load relay TLS: %w", err)
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			srv := relay.NewServer(store, logger.Named("relay"), metrics.New(registry))

			lis, err := net.Listen("tcp", cfg.Relay.Address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Address, err)
			}

			if metricsAddr != "" {
				go func() {
					if err := serveMetrics(ctx, metricsAddr, registry, logger); err != nil {
						logger.Error("Metrics server failed", zap.Error(err))
					}
				}()
			}
			return srv.Serve(ctx, lis, opts...)
		},
	}

	cmd.Flags().StringVar(&address, "address", ":7070", "relay listen address")
	cmd.Flags().StringVar(&history, "history", config.HistorySQLite, "message history backend: sqlite or memory")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")

	return cmd
}

func openHistory(ctx context.Context, cfg *config.Config) (relay.HistoryStore, error) {
	retention := cfg.Relay.Retention.Std()
	if cfg.Relay.History.Backend == config.HistoryMemory {
		return relay.NewMemoryHistory(cfg.Relay.Capacity, retention), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := relay.OpenSQLiteHistory(ctx, cfg.HistoryPath(), cfg.Relay.Capacity, retention)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay history: %w", err)
	}
	return store, nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
