package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/cron"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expiry"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/hunt"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/notifier"
	"github.com/owlcap/owlcap/internal/pcap"
	"github.com/owlcap/owlcap/internal/server"
	"github.com/owlcap/owlcap/internal/user"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "owlcap",
		Short: "Owlcap - distributed full-packet-capture viewer",
		Long: `Owlcap serves captured network sessions across a fleet of capture
nodes: session search, packet export, content hunts, periodic queries
and retention, with requests routed to the node that owns the packets.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runViewer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("node", "n", "", "Node name (defaults to hostname)")
	rootCmd.PersistentFlags().StringP("host", "", "", "Listen host")
	rootCmd.PersistentFlags().IntP("port", "p", 8005, "Listen port")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("cert-file", "", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringP("key-file", "", "", "TLS key file")

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runViewer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"node":    cfg.NodeName,
	}).Info("Starting Owlcap viewer")

	es, err := esstore.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	auth, err := cluster.NewAuth(cfg.ServerSecret, cfg.PasswordSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize token auth: %w", err)
	}

	users := user.NewCache(es)
	compiler := expression.NewCompiler(es)
	resolver := cluster.NewResolver(cfg)
	proxy := cluster.NewProxy(resolver, auth)
	pcaps := pcap.NewStore(es, cfg.MaxFileHandles)
	scrubber := pcap.NewScrubber(pcaps, es)
	notify := notifier.NewManager(es, cfg.NodeName)
	m := metrics.New()

	remote := hunt.NewProxyRemote(proxy)
	huntEngine := hunt.NewEngine(es, es, userGetter{users}, remote, compiler, resolver, pcaps, notify, m)
	forwarder := cron.NewForwarder(es, pcaps, resolver, proxy, cfg.RemoteClusters, cfg.NodeName)
	cronEngine := cron.NewEngine(es, es, userGetter{users}, compiler, forwarder, notify, m,
		time.Duration(cfg.CronDelay)*time.Second, cfg.NodeName)
	expiryEngine := expiry.NewEngine(cfg, es, pcaps, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The hunt and cron engines run on exactly one node per cluster; every
	// node runs retention for its own disks.
	if cfg.CronQueries {
		huntEngine.Start(ctx)
		cronEngine.Start(ctx)
	}
	expiryEngine.Start(ctx)

	srv := server.New(cfg, es, users, compiler, resolver, auth, proxy, pcaps, scrubber,
		huntEngine, cronEngine, forwarder, notify, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Shutdown did not complete cleanly")
	}

	logrus.Info("Owlcap stopped")
	return nil
}

// userGetter adapts the cache to the single-method source the engines take.
type userGetter struct {
	cache *user.Cache
}

func (g userGetter) Get(ctx context.Context, userID string) (*esstore.User, error) {
	return g.cache.Get(ctx, userID)
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
