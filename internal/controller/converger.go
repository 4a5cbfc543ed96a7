package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/pingress/internal/ingress"
	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/routeconfig"
	"github.com/lexfrei/pingress/internal/secrets"
)

// Converger drives the managed objects in one namespace to the state derived
// from all qualifying ingresses in the cluster.
//
// Every call recomputes the full desired state from a fresh list, so
// concurrent reconciles for different ingresses converge to the same result.
type Converger struct {
	client.Client

	Namespace string
	Mode      Mode
	Workload  WorkloadOptions
	Metrics   metrics.Collector

	builder  *ingress.Builder
	resolver *secrets.Resolver
}

// NewConverger creates a new Converger.
func NewConverger(
	c client.Client,
	namespace string,
	mode Mode,
	ingressClass string,
	workload WorkloadOptions,
	m metrics.Collector,
) *Converger {
	return &Converger{
		Client:    c,
		Namespace: namespace,
		Mode:      mode,
		Workload:  workload,
		Metrics:   m,
		builder:   ingress.NewBuilder(ingressClass, routeconfig.DefaultSecretBasePath, m),
		resolver:  secrets.NewResolver(c),
	}
}

// ConvergeResult describes what a converge pass did.
type ConvergeResult struct {
	// TornDown is true when no ingress qualified and the managed objects were removed.
	TornDown bool

	// Digest is the configuration digest stamped on the workload.
	Digest string

	Rules    int
	TLSHosts int
}

// Converge applies or removes the managed objects with server-side apply.
//
// With qualifying ingresses the order is: aggregated TLS secret, config map,
// Service (node-port mode), then the DaemonSet carrying the digest of the
// exact config map bytes. Without any, the DaemonSet, Service, secret and
// config map are deleted in that order.
func (c *Converger) Converge(ctx context.Context) (ConvergeResult, error) {
	startTime := time.Now()

	result, err := c.converge(ctx)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}

	c.Metrics.RecordReconcileDuration(ctx, status, time.Since(startTime))

	return result, err
}

func (c *Converger) converge(ctx context.Context) (ConvergeResult, error) {
	logger := slog.Default().With("component", "converger", "namespace", c.Namespace)

	var ingressList networkingv1.IngressList

	err := c.List(ctx, &ingressList)
	if err != nil {
		return ConvergeResult{}, errors.Wrap(err, "failed to list ingresses")
	}

	built := c.builder.Build(ctx, ingressList.Items)

	if built.Empty() {
		logger.Info("no qualifying ingresses, removing managed objects")

		err = c.Teardown(ctx)
		if err != nil {
			return ConvergeResult{}, err
		}

		c.Metrics.RecordCompiledRules(ctx, 0)
		c.Metrics.RecordTLSHosts(ctx, 0)

		return ConvergeResult{TornDown: true}, nil
	}

	secretData, err := c.resolver.Resolve(ctx, built)
	if err != nil {
		return ConvergeResult{}, errors.Wrap(err, "failed to resolve tls secrets")
	}

	serialized, err := routeconfig.Marshal(built.Config)
	if err != nil {
		return ConvergeResult{}, err
	}

	err = c.apply(ctx, kindSecret, TLSSecretName, tlsSecretApply(c.Namespace, c.Mode, secretData))
	if err != nil {
		return ConvergeResult{}, err
	}

	err = c.apply(ctx, kindConfigMap, ConfigMapName, configMapApply(c.Namespace, c.Mode, serialized))
	if err != nil {
		return ConvergeResult{}, err
	}

	digest := routeconfig.Digest(serialized)

	if c.Mode.ManagesService() {
		err = c.apply(ctx, kindService, ServiceName, serviceApply(c.Namespace, c.Mode))
		if err != nil {
			return ConvergeResult{}, err
		}
	}

	tlsHosts := built.Config.TLSHosts()

	err = c.apply(ctx, kindDaemonSet, WorkloadName,
		daemonSetApply(c.Namespace, c.Mode, c.Workload, tlsHosts, digest))
	if err != nil {
		return ConvergeResult{}, err
	}

	c.Metrics.RecordCompiledRules(ctx, len(built.Config.Rules))
	c.Metrics.RecordTLSHosts(ctx, len(built.TLSRefs))

	logger.Info("managed objects converged",
		"ingresses", len(built.Ingresses),
		"rules", len(built.Config.Rules),
		"tlsHosts", len(built.TLSRefs),
		"digest", digest[:16],
	)

	return ConvergeResult{
		Digest:   digest,
		Rules:    len(built.Config.Rules),
		TLSHosts: len(built.TLSRefs),
	}, nil
}

// Teardown deletes the DaemonSet, Service, TLS secret and config map in that
// order. Objects that are already gone count as deleted.
func (c *Converger) Teardown(ctx context.Context) error {
	managed := []struct {
		kind string
		obj  client.Object
	}{
		{kindDaemonSet, c.newDaemonSet()},
		{kindService, c.newService()},
		{kindSecret, c.newTLSSecret()},
		{kindConfigMap, c.newConfigMap()},
	}

	for _, item := range managed {
		err := c.remove(ctx, item.kind, item.obj)
		if err != nil {
			return err
		}
	}

	return nil
}

// apply server-side applies obj as FieldManager. Absent objects are created;
// present ones are merged, and only fields owned by FieldManager are replaced.
func (c *Converger) apply(ctx context.Context, kind, name string, obj runtime.ApplyConfiguration) error {
	err := c.Apply(ctx, obj, client.FieldOwner(FieldManager), client.ForceOwnership)
	if err != nil {
		return errors.Wrapf(err, "failed to apply %s %s/%s", kind, c.Namespace, name)
	}

	c.Metrics.RecordObjectOperation(ctx, kind, metrics.OperationApplied)

	slog.Default().Debug("applied managed object",
		"kind", kind,
		"name", name,
		"namespace", c.Namespace,
	)

	return nil
}

func (c *Converger) remove(ctx context.Context, kind string, obj client.Object) error {
	err := c.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
	if apierrors.IsNotFound(err) {
		c.Metrics.RecordObjectOperation(ctx, kind, metrics.OperationAbsent)

		return nil
	}

	if err != nil {
		return errors.Wrapf(err, "failed to delete %s %s/%s", kind, obj.GetNamespace(), obj.GetName())
	}

	c.Metrics.RecordObjectOperation(ctx, kind, metrics.OperationDeleted)

	slog.Default().Info("deleted managed object",
		"kind", kind,
		"name", obj.GetName(),
		"namespace", obj.GetNamespace(),
	)

	return nil
}

const (
	kindSecret    = "Secret"
	kindConfigMap = "ConfigMap"
	kindService   = "Service"
	kindDaemonSet = "DaemonSet"
)

func (c *Converger) objectMeta(name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: c.Namespace}
}

func (c *Converger) newTLSSecret() *corev1.Secret {
	return &corev1.Secret{ObjectMeta: c.objectMeta(TLSSecretName)}
}

func (c *Converger) newConfigMap() *corev1.ConfigMap {
	return &corev1.ConfigMap{ObjectMeta: c.objectMeta(ConfigMapName)}
}

func (c *Converger) newService() *corev1.Service {
	return &corev1.Service{ObjectMeta: c.objectMeta(ServiceName)}
}

func (c *Converger) newDaemonSet() *appsv1.DaemonSet {
	return &appsv1.DaemonSet{ObjectMeta: c.objectMeta(WorkloadName)}
}
