package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lexfrei/pingress/internal/controller"
	"github.com/lexfrei/pingress/internal/logging"
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

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "pingress-controller",
	Short: "Kubernetes ingress controller for the pingress proxy",
	Long: `A Kubernetes controller that compiles Ingress resources of one class into
a routing configuration and runs the pingress proxy as a DaemonSet that
serves it.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("mode", string(controller.ModeHostPort), "Proxy exposure mode (host-port, node-port)")
	rootCmd.Flags().String("namespace", "pingress", "Namespace for the managed proxy objects")
	rootCmd.Flags().String("ingress-class", "pingress", "Ingress class handled by this controller")
	rootCmd.Flags().String("proxy-image", "", "Container image of the proxy")
	rootCmd.Flags().String("image-pull-secret", "", "Image pull secret for the proxy image")
	rootCmd.Flags().String("node-selector", "", "Node selector for the proxy, as comma-separated key=value pairs")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")
	rootCmd.Flags().Int("max-concurrent-reconciles", 1, "Maximum number of concurrent Ingress reconciles")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "pingress-controller-leader", "Name of the leader election lease")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("PINGRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("mode", string(controller.ModeHostPort))
	viper.SetDefault("namespace", "pingress")
	viper.SetDefault("ingress-class", "pingress")
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
	viper.SetDefault("max-concurrent-reconciles", 1)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "pingress-controller-leader")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

// parseNodeSelector parses "k1=v1,k2=v2". Empty input yields a nil map.
func parseNodeSelector(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil //nolint:nilnil // no selector is a valid result
	}

	selector := make(map[string]string)

	for pair := range strings.SplitSeq(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)

		if !found || key == "" {
			return nil, errors.Newf("invalid node selector entry %q, expected key=value", pair)
		}

		selector[key] = strings.TrimSpace(value)
	}

	return selector, nil
}

func buildConfig() (*controller.Config, error) {
	mode, err := controller.ParseMode(viper.GetString("mode"))
	if err != nil {
		return nil, err
	}

	nodeSelector, err := parseNodeSelector(viper.GetString("node-selector"))
	if err != nil {
		return nil, err
	}

	namespace := viper.GetString("namespace")

	leaderNS := viper.GetString("leader-election-namespace")
	if leaderNS == "" {
		leaderNS = namespace
	}

	cfg := &controller.Config{
		Mode:            mode,
		Namespace:       namespace,
		IngressClass:    viper.GetString("ingress-class"),
		ProxyImage:      viper.GetString("proxy-image"),
		ImagePullSecret: viper.GetString("image-pull-secret"),
		NodeSelector:    nodeSelector,
		MetricsAddr:     viper.GetString("metrics-addr"),
		HealthAddr:      viper.GetString("health-addr"),

		LeaderElect:     viper.GetBool("leader-elect"),
		LeaderElectNS:   leaderNS,
		LeaderElectName: viper.GetString("leader-election-name"),

		MaxConcurrentReconciles: viper.GetInt("max-concurrent-reconciles"),
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func runController(_ *cobra.Command, _ []string) error {
	logger := logging.New(os.Stdout, viper.GetString("log-level"), viper.GetString("log-format"))
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting pingress-controller",
		"version", version,
		"gitsha", gitsha,
	)

	cfg, err := buildConfig()
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = controller.Run(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}
