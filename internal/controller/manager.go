package controller

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/lexfrei/pingress/internal/metrics"
)

// Config holds all configuration options for the controller manager.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	// Mode selects how the proxy is exposed (host-port or node-port).
	Mode Mode

	// Namespace receives the managed secret, config map, Service and DaemonSet.
	Namespace string

	// IngressClass is the ingress class handled by this controller.
	// Ingresses of other classes are ignored entirely.
	IngressClass string

	// ProxyImage is the container image of the proxy DaemonSet.
	ProxyImage string

	// ImagePullSecret is an optional pull secret for ProxyImage.
	ImagePullSecret string

	// NodeSelector restricts the proxy to matching nodes.
	NodeSelector map[string]string

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// LeaderElect enables leader election for high availability.
	// Required when running multiple replicas.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string

	// MaxConcurrentReconciles bounds parallel reconciles of distinct ingresses.
	MaxConcurrentReconciles int
}

// Validate checks required settings.
//
//nolint:wrapcheck // errors.New creates new errors
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}

	if c.IngressClass == "" {
		return errors.New("ingress-class is required")
	}

	if c.ProxyImage == "" {
		return errors.New("proxy-image is required")
	}

	_, err := ParseMode(string(c.Mode))

	return err
}

// Run initializes and starts the controller manager with the provided configuration.
// It blocks until the context is cancelled or an error occurs.
//
// The function performs the following steps:
//  1. Initializes controller-runtime manager with metrics and health endpoints
//  2. Restricts the cache of managed kinds to the controller namespace
//  3. Sets up the IngressReconciler and its startup converge
//  4. Starts the manager and blocks until shutdown
//
//nolint:funlen,noinlineerr // controller setup requires multiple steps
func Run(ctx context.Context, cfg *Config) error {
	logger := slog.Default().With("component", "manager")
	logger.Info("initializing controller manager",
		"mode", cfg.Mode,
		"namespace", cfg.Namespace,
		"ingressClass", cfg.IngressClass,
	)

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	mgrOptions := ctrl.Options{
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
		Cache:                  cacheOptions(cfg.Namespace),
	}

	if cfg.LeaderElect {
		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = cfg.LeaderElectNS

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", cfg.LeaderElectNS,
		)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	collector := metrics.NewCollector(ctrlmetrics.Registry)

	converger := NewConverger(
		mgr.GetClient(),
		cfg.Namespace,
		cfg.Mode,
		cfg.IngressClass,
		WorkloadOptions{
			Image:           cfg.ProxyImage,
			ImagePullSecret: cfg.ImagePullSecret,
			NodeSelector:    cfg.NodeSelector,
		},
		collector,
	)

	ingressReconciler := &IngressReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		IngressClass:            cfg.IngressClass,
		Converger:               converger,
		Metrics:                 collector,
		MaxConcurrentReconciles: cfg.MaxConcurrentReconciles,
	}

	if err := ingressReconciler.SetupWithManager(mgr); err != nil {
		return errors.Wrap(err, "failed to setup ingress controller")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager")

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}

// cacheOptions keeps only managed objects of the controller namespace in the
// cache. Ingresses and TLS source secrets stay cluster-wide.
func cacheOptions(namespace string) cache.Options {
	managed := cache.ByObject{
		Namespaces: map[string]cache.Config{namespace: {}},
	}

	return cache.Options{
		ByObject: map[client.Object]cache.ByObject{
			&appsv1.DaemonSet{}: managed,
			&corev1.Service{}:   managed,
			&corev1.ConfigMap{}: managed,
		},
	}
}
