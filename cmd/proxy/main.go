package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/factory"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

const shutdownTimeout = 15 * time.Second

type cliFlags struct {
	port         string
	healthPort   string
	databaseType string
	lazy         bool
	debug        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Database routing proxy that builds its pipeline on the first connection",
		Long: `Routes PostgreSQL clients to backends chosen from the user name
(user.deployment_id[.pool]). Configuration comes from environment variables;
flags given on the command line take precedence.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration from environment
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			logger.Setup(os.Stdout, cfg.Debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&flags.port, "port", "", "proxy listen port (PROXY_START_PORT)")
	cmd.Flags().StringVar(&flags.healthPort, "health-port", "", "health server port (HEALTH_SERVER_PORT)")
	cmd.Flags().StringVar(&flags.databaseType, "database-type", "", "backend protocol: postgresql, mysql, mongodb (DATABASE_TYPE)")
	cmd.Flags().BoolVar(&flags.lazy, "lazy", true, "build the proxy pipeline on the first connection (LAZY_INIT)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging (DEBUG)")

	return cmd
}

// applyFlags copies explicitly set flags over the environment configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags cliFlags) {
	fs := cmd.Flags()
	if fs.Changed("port") {
		cfg.ProxyStartPort = flags.port
	}
	if fs.Changed("health-port") {
		cfg.HealthServerPort = flags.healthPort
	}
	if fs.Changed("database-type") {
		cfg.DatabaseType = flags.databaseType
	}
	if fs.Changed("lazy") {
		cfg.LazyInit = flags.lazy
	}
	if fs.Changed("debug") {
		cfg.Debug = flags.debug
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Info("Starting proxy...",
		"database", cfg.DatabaseType,
		"runtime", cfg.Runtime,
		"discovery", cfg.DiscoveryMode,
		"tls_mode", cfg.TLSMode,
		"lazy_init", cfg.LazyInit)

	handler, resolved, err := buildHandler(ctx, cfg)
	if err != nil {
		return err
	}

	// Start TCP listener
	listener, err := net.Listen("tcp", ":"+cfg.ProxyStartPort)
	if err != nil {
		return fmt.Errorf("failed to start listener on port %s: %w", cfg.ProxyStartPort, err)
	}
	logger.Info("Proxy listening", "port", cfg.ProxyStartPort, "database", cfg.DatabaseType)

	server := &core.Server{
		Listener:          listener,
		ConnectionHandler: handler,
	}

	healthServer := api.NewHealthServer(":" + cfg.HealthServerPort)
	healthServer.SetStatusFunc(func() api.Status {
		return api.Status{
			HandlerResolved:   resolved(),
			ActiveConnections: server.ActiveConnections(),
			TotalConnections:  server.TotalConnections(),
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(healthServer.Run)
	g.Go(server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down proxy")
		healthServer.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Proxy shutdown incomplete", "error", err, "active_connections", server.ActiveConnections())
		}
		if err := closeHandler(handler); err != nil {
			logger.Warn("Failed to release proxy handler", "error", err)
		}
		return healthServer.Stop(shutdownCtx)
	})

	// Mark as ready
	healthServer.SetReady(true)
	logger.Info("Proxy is ready to accept connections")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// closeHandler releases resources held by the pipeline, such as the
// Kubernetes informer behind the resolver.
func closeHandler(handler core.ConnectionHandler) error {
	if c, ok := handler.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// buildHandler returns the connection handler and a function reporting
// whether the real pipeline exists yet. With lazy initialization nothing is
// built here.
func buildHandler(ctx context.Context, cfg *config.Config) (core.ConnectionHandler, func() bool, error) {
	proxyFactory := factory.NewProxyFactory(cfg)

	if cfg.LazyInit {
		lazy := core.NewLazyHandler(proxyFactory)
		logger.Info("Lazy initialization enabled, pipeline will be built on first connection")
		return lazy, lazy.Resolved, nil
	}

	buildCtx, cancel := context.WithTimeout(ctx, cfg.BuildTimeout)
	defer cancel()

	handler, err := proxyFactory.CreateContext(buildCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create proxy handler: %w", err)
	}
	return handler, func() bool { return true }, nil
}
