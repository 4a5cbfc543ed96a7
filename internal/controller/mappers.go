package controller

import (
	"context"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/lexfrei/pingress/internal/ingress"
)

// ManagedObjectMapper maps events on managed objects and TLS source secrets
// to reconcile requests for the ingresses they belong to.
type ManagedObjectMapper struct {
	Client       client.Client
	Namespace    string
	IngressClass string
}

// MapManagedObject enqueues every tracked ingress when a managed object changes,
// so external drift is reverted.
func (m *ManagedObjectMapper) MapManagedObject(ctx context.Context, obj client.Object) []reconcile.Request {
	if !m.isManagedObject(obj) {
		return nil
	}

	return m.requestsFor(ctx, func(*networkingv1.Ingress) bool { return true })
}

// MapSecret handles both the managed TLS secret and the per-namespace
// secrets referenced by ingress TLS blocks.
func (m *ManagedObjectMapper) MapSecret(ctx context.Context, obj client.Object) []reconcile.Request {
	secret, ok := obj.(*corev1.Secret)
	if !ok {
		return nil
	}

	if m.isManagedObject(secret) {
		return m.MapManagedObject(ctx, secret)
	}

	return m.requestsFor(ctx, func(ing *networkingv1.Ingress) bool {
		return ReferencesSecret(ing, secret)
	})
}

// ReferencesSecret checks if an ingress TLS block names the secret.
func ReferencesSecret(ing *networkingv1.Ingress, secret *corev1.Secret) bool {
	if ing.Namespace != secret.Namespace {
		return false
	}

	for _, tls := range ing.Spec.TLS {
		if tls.SecretName == secret.Name {
			return true
		}
	}

	return false
}

func (m *ManagedObjectMapper) isManagedObject(obj client.Object) bool {
	return obj.GetNamespace() == m.Namespace && IsManaged(obj.GetLabels())
}

// requestsFor returns requests for ingresses that qualify or still carry the
// finalizer and satisfy match.
func (m *ManagedObjectMapper) requestsFor(
	ctx context.Context,
	match func(*networkingv1.Ingress) bool,
) []reconcile.Request {
	var ingressList networkingv1.IngressList

	err := m.Client.List(ctx, &ingressList)
	if err != nil {
		slog.Default().Error("failed to list ingresses for mapping", "error", err)

		return nil
	}

	var requests []reconcile.Request

	for i := range ingressList.Items {
		ing := &ingressList.Items[i]

		tracked := ingress.Qualifies(ing, m.IngressClass) ||
			controllerutil.ContainsFinalizer(ing, IngressFinalizer)
		if !tracked || !match(ing) {
			continue
		}

		requests = append(requests, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: ing.Name, Namespace: ing.Namespace},
		})
	}

	return requests
}
