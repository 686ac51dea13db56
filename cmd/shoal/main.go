// Command shoal runs the Redis/Memcached proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	shoal "github.com/shoalproxy/shoal"
	"github.com/shoalproxy/shoal/config"
	"github.com/shoalproxy/shoal/logging"
	"github.com/shoalproxy/shoal/metrics"
)

// codePortInUse is the dedicated exit code for a listen port that is
// already bound.
const codePortInUse = 1

var (
	appName     string
	configFile  string
	metricsPort int
)

func main() {
	root := &cobra.Command{
		Use:   "shoal",
		Short: "Redis/Memcached proxy server",
		Long:  "Shoal is a Redis/Memcached proxy focusing on high performance and availability.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&appName, "app-name", "a", "shoal", "app name used in telemetry")
	root.Flags().StringVarP(&configFile, "config-file", "c", "config.toml", "config file path")
	root.Flags().IntVarP(&metricsPort, "metrics-port", "m", 9001, "port exposing metrics")

	if err := root.Execute(); err != nil {
		if errors.Is(err, shoal.ErrPortInUse) {
			os.Exit(codePortInUse)
		}
		os.Exit(2)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("bad config: %w", err)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logger = logger.With("app", appName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := metricsPort
	if cfg.Metrics.Port != 0 {
		port = cfg.Metrics.Port
	}
	go func() {
		logger.Info("metrics server starting", "port", port)
		if err := metrics.Serve(ctx, port); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	clusters := make([]*shoal.Cluster, 0, len(cfg.Clusters))
	errCh := make(chan error, len(cfg.Clusters))
	var wg sync.WaitGroup

	for _, cc := range cfg.Clusters {
		logger.Info("starting cluster", "name", cc.Name, "addr", cc.ListenAddr)

		cluster, err := shoal.NewCluster(cc)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", cc.Name, err)
		}
		clusters = append(clusters, cluster)

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := cluster.Run(ctx); err != nil {
				logger.Error("cluster stopped", "name", name, "err", err)
				errCh <- err
			}
		}(cc.Name)
	}

	go watchReload(ctx, logger, cfg, clusters)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}

	wg.Wait()
	return nil
}

// watchReload re-reads the config file on SIGHUP and applies changed
// server sets to the running clusters.
func watchReload(ctx context.Context, logger *slog.Logger, current *config.Config, clusters []*shoal.Cluster) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := config.Load(configFile)
		if err != nil {
			logger.Error("reload: config unreadable, keeping current", "err", err)
			continue
		}
		if err := next.Validate(); err != nil {
			logger.Error("reload: config invalid, keeping current", "err", err)
			continue
		}
		if current.ReloadEquals(next) {
			logger.Info("reload: server sets unchanged")
			continue
		}

		for i, cc := range current.Clusters {
			if i >= len(clusters) {
				break
			}
			ncc, ok := next.Cluster(cc.Name)
			if !ok {
				logger.Warn("reload: cluster missing in new config, keeping current", "name", cc.Name)
				continue
			}
			if err := clusters[i].Reload(ncc); err != nil {
				logger.Error("reload failed", "name", cc.Name, "err", err)
				continue
			}
			logger.Info("reloaded cluster", "name", cc.Name)
		}
		current = next
	}
}
