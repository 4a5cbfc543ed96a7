package ingress

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	networkingv1 "k8s.io/api/networking/v1"

	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/routeconfig"
)

const (
	// ClassAnnotation is the legacy ingress class annotation, consulted when
	// spec.ingressClassName is unset.
	ClassAnnotation = "kubernetes.io/ingress.class"

	// DefaultNamespace is used for declarations without a namespace.
	DefaultNamespace = "default"

	rootPath = "/"
)

// Builder converts Ingress resources of one ingress class into the routing
// configuration served by the proxy.
type Builder struct {
	// Class is the ingress class handled by this controller.
	Class string

	// SecretBasePath is where the proxy finds the mounted key/cert pairs.
	SecretBasePath string

	// Metrics records build duration.
	Metrics metrics.Collector
}

// NewBuilder creates a new Builder for the given class and secret base path.
func NewBuilder(class, secretBasePath string, m metrics.Collector) *Builder {
	if secretBasePath == "" {
		secretBasePath = routeconfig.DefaultSecretBasePath
	}

	return &Builder{
		Class:          class,
		SecretBasePath: secretBasePath,
		Metrics:        m,
	}
}

// TLSSecretRef points at the per-namespace secret holding the certificate of Host.
type TLSSecretRef struct {
	Host       string
	SecretName string
	Namespace  string
}

// BuildResult contains the compiled configuration and the secrets it needs.
type BuildResult struct {
	Config  *routeconfig.Configuration
	TLSRefs []TLSSecretRef

	// Ingresses are the qualifying declarations in compilation order.
	Ingresses []*networkingv1.Ingress
}

// Empty reports whether no ingress qualified. The managed objects are torn down in that case.
func (r BuildResult) Empty() bool {
	return len(r.Ingresses) == 0
}

// Build compiles all qualifying ingresses.
//
// Ingresses of other classes and ingresses being deleted are ignored. The
// remaining ones are ordered by namespace and name; within one ingress rules
// keep declaration order. Entries without a host, a backend service or a
// numeric port are dropped.
func (b *Builder) Build(ctx context.Context, ingresses []networkingv1.Ingress) BuildResult {
	startTime := time.Now()

	qualifying := b.Filter(ingresses)

	rules := make([]routeconfig.PathRule, 0)
	refs := make(map[string]TLSSecretRef)

	for _, ing := range qualifying {
		rules = append(rules, b.buildRules(ing)...)

		for _, ref := range tlsSecretRefs(ing) {
			if _, ok := refs[ref.Host]; !ok {
				refs[ref.Host] = ref
			}
		}
	}

	tlsRefs := make([]TLSSecretRef, 0, len(refs))
	for _, ref := range refs {
		tlsRefs = append(tlsRefs, ref)
	}

	slices.SortFunc(tlsRefs, func(left, right TLSSecretRef) int {
		return cmp.Compare(left.Host, right.Host)
	})

	if b.Metrics != nil {
		b.Metrics.RecordConfigBuildDuration(ctx, time.Since(startTime))
	}

	return BuildResult{
		Config:    &routeconfig.Configuration{Rules: rules},
		TLSRefs:   tlsRefs,
		Ingresses: qualifying,
	}
}

// Filter returns the qualifying ingresses sorted by namespace and name.
func (b *Builder) Filter(ingresses []networkingv1.Ingress) []*networkingv1.Ingress {
	qualifying := make([]*networkingv1.Ingress, 0, len(ingresses))

	for i := range ingresses {
		if !Qualifies(&ingresses[i], b.Class) {
			continue
		}

		if !ingresses[i].DeletionTimestamp.IsZero() {
			continue
		}

		qualifying = append(qualifying, &ingresses[i])
	}

	slices.SortFunc(qualifying, func(left, right *networkingv1.Ingress) int {
		return cmp.Or(
			cmp.Compare(left.Namespace, right.Namespace),
			cmp.Compare(left.Name, right.Name),
		)
	})

	return qualifying
}

// Qualifies reports whether ing belongs to class.
func Qualifies(ing *networkingv1.Ingress, class string) bool {
	if ing.Spec.IngressClassName != nil {
		return *ing.Spec.IngressClassName == class
	}

	return ing.Annotations[ClassAnnotation] == class
}

func (b *Builder) buildRules(ing *networkingv1.Ingress) []routeconfig.PathRule {
	namespace := namespaceOf(ing)
	tlsHosts := tlsHostSet(ing)

	var rules []routeconfig.PathRule

	for _, rule := range ing.Spec.Rules {
		if rule.Host == "" || rule.HTTP == nil {
			continue
		}

		var tls *routeconfig.TLS
		if _, ok := tlsHosts[rule.Host]; ok {
			tls = routeconfig.TLSFor(b.SecretBasePath, rule.Host)
		}

		for _, path := range rule.HTTP.Paths {
			backend, ok := serviceBackend(path.Backend, namespace)
			if !ok {
				slog.Debug("skipping ingress path without numeric service backend",
					"ingress", namespace+"/"+ing.Name,
					"host", rule.Host,
					"path", path.Path,
				)

				continue
			}

			rules = append(rules, routeconfig.PathRule{
				Host:    rule.Host,
				TLS:     tls,
				Path:    httpPath(path),
				Backend: backend,
			})
		}
	}

	return rules
}

// httpPath maps the ingress path type; anything but Exact becomes Prefix.
func httpPath(path networkingv1.HTTPIngressPath) routeconfig.HTTPPath {
	value := path.Path
	if value == "" {
		value = rootPath
	}

	if path.PathType != nil && *path.PathType == networkingv1.PathTypeExact {
		return routeconfig.Exact(value)
	}

	return routeconfig.Prefix(value)
}

func serviceBackend(backend networkingv1.IngressBackend, namespace string) (routeconfig.Backend, bool) {
	svc := backend.Service
	if svc == nil || svc.Name == "" {
		return routeconfig.Backend{}, false
	}

	port := svc.Port.Number
	if port <= 0 || port > 65535 {
		return routeconfig.Backend{}, false
	}

	return routeconfig.Service(svc.Name, namespace, uint16(port)), true
}

func tlsHostSet(ing *networkingv1.Ingress) map[string]struct{} {
	hosts := make(map[string]struct{})

	for _, tls := range ing.Spec.TLS {
		for _, host := range tls.Hosts {
			hosts[host] = struct{}{}
		}
	}

	return hosts
}

func tlsSecretRefs(ing *networkingv1.Ingress) []TLSSecretRef {
	namespace := namespaceOf(ing)

	var refs []TLSSecretRef

	for _, tls := range ing.Spec.TLS {
		if tls.SecretName == "" {
			continue
		}

		for _, host := range tls.Hosts {
			refs = append(refs, TLSSecretRef{
				Host:       host,
				SecretName: tls.SecretName,
				Namespace:  namespace,
			})
		}
	}

	return refs
}

func namespaceOf(ing *networkingv1.Ingress) string {
	if ing.Namespace == "" {
		return DefaultNamespace
	}

	return ing.Namespace
}
