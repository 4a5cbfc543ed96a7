package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lexfrei/pingress/internal/logging"
	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/proxy"
	"github.com/lexfrei/pingress/internal/reload"
	"github.com/lexfrei/pingress/internal/routeconfig"
	"github.com/lexfrei/pingress/internal/router"
	"github.com/lexfrei/pingress/internal/tlsstore"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

const defaultConfigPath = "/etc/pingress/config/proxy.json"

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "pingress-proxy",
	Short: "HTTP and HTTPS proxy serving a pingress routing configuration",
	Long: `The pingress proxy routes requests by host and path to cluster Services,
terminating TLS with the certificates named in its configuration. It exits
after certificates change on disk so that it is restarted with the new
configuration.`,
	RunE:          runProxy,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("config", defaultConfigPath, "Path to the routing configuration file")
	rootCmd.Flags().String("listen-http", "0.0.0.0:8080", "Address for plain HTTP traffic")
	rootCmd.Flags().String("listen-https", "0.0.0.0:8443", "Address for TLS traffic")
	rootCmd.Flags().StringSlice("watch", nil, "Directories watched for changes (defaults to the config directory)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for metrics endpoint")
	rootCmd.Flags().Duration("shutdown-timeout", proxy.DefaultShutdownTimeout, "Time allowed for in-flight requests to drain")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("PINGRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("config", defaultConfigPath)
	viper.SetDefault("listen-http", "0.0.0.0:8080")
	viper.SetDefault("listen-https", "0.0.0.0:8443")
	viper.SetDefault("metrics-addr", "127.0.0.1:9090")
	viper.SetDefault("shutdown-timeout", proxy.DefaultShutdownTimeout)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

// options are the resolved proxy settings.
type options struct {
	configPath      string
	listenHTTP      string
	listenHTTPS     string
	watch           []string
	metricsAddr     string
	shutdownTimeout time.Duration
}

func loadOptions() options {
	opts := options{
		configPath:      viper.GetString("config"),
		listenHTTP:      viper.GetString("listen-http"),
		listenHTTPS:     viper.GetString("listen-https"),
		watch:           viper.GetStringSlice("watch"),
		metricsAddr:     viper.GetString("metrics-addr"),
		shutdownTimeout: viper.GetDuration("shutdown-timeout"),
	}

	if len(opts.watch) == 0 {
		opts.watch = []string{filepath.Dir(opts.configPath)}
	}

	return opts
}

// components is everything the proxy serves with, built from one configuration.
type components struct {
	table *router.Table
	store *tlsstore.Store
}

// loadComponents reads the configuration and certificates. Any failure is fatal at startup.
func loadComponents(configPath string) (*components, error) {
	cfg, err := routeconfig.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	table, err := router.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build routing table")
	}

	store, err := tlsstore.NewStore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load certificates")
	}

	return &components{table: table, store: store}, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

func runProxy(_ *cobra.Command, _ []string) error {
	logger := logging.New(os.Stdout, viper.GetString("log-level"), viper.GetString("log-format"))
	slog.SetDefault(logger)

	opts := loadOptions()

	logger.Info("starting pingress-proxy",
		"version", version,
		"gitsha", gitsha,
		"config", opts.configPath,
	)

	loaded, err := loadComponents(opts.configPath)
	if err != nil {
		return err
	}

	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector.RecordTLSStoreHosts(ctx, loaded.store.Snapshot().Len())

	logger.Info("configuration loaded",
		"rules", loaded.table.Len(),
		"tlsHosts", loaded.store.Snapshot().Len(),
	)

	server, err := proxy.NewServer(proxy.ServerConfig{
		HTTPAddr:        opts.listenHTTP,
		HTTPSAddr:       opts.listenHTTPS,
		MetricsAddr:     opts.metricsAddr,
		ShutdownTimeout: opts.shutdownTimeout,
		Handler: proxy.NewHandler(proxy.HandlerConfig{
			Table:     loaded.table,
			AccessLog: proxy.NewAccessLog(os.Stdout),
			Metrics:   collector,
		}),
		Store:    loaded.store,
		Gatherer: registry,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	supervisor, err := reload.New(reload.Config{
		ConfigPath: opts.configPath,
		Roots:      opts.watch,
		Store:      loaded.store,
		Metrics:    collector,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create reload supervisor")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	group.Go(func() error { return supervisor.Run(groupCtx) })

	err = group.Wait()
	if err != nil {
		return errors.Wrap(err, "proxy stopped")
	}

	logger.Info("proxy stopped")

	return nil
}
