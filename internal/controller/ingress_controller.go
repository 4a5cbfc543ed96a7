package controller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"

	"github.com/lexfrei/pingress/internal/ingress"
	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/secrets"
)

const (
	// IngressFinalizer blocks deletion of a qualifying ingress until the
	// managed objects reflect its removal.
	IngressFinalizer = "pingress.lex.la/finalizer"

	// retryDelay is the fixed delay before retrying a failed reconcile.
	retryDelay = 5 * time.Second

	// startupPendingRequeueDelay is the delay before retrying when startup sync is not yet complete.
	startupPendingRequeueDelay = 1 * time.Second
)

// IngressReconciler reconciles Ingress resources of one ingress class into
// the proxy workload, its configuration and its TLS material.
//
// Key behaviors:
//   - Watches all Ingress resources in the cluster
//   - Filters ingresses by ingress class
//   - Attaches a finalizer before touching any managed object
//   - Recomputes the full desired state on every event through the Converger
//   - Retries failures after a fixed delay instead of returning errors
//
// On startup, the reconciler performs one converge so objects left behind
// by a previous run are removed even when no ingress exists.
type IngressReconciler struct {
	client.Client

	// Scheme is the runtime scheme for API type registration.
	Scheme *runtime.Scheme

	// IngressClass filters which ingresses to process.
	IngressClass string

	// Converger applies the managed objects.
	Converger *Converger

	// Metrics records reconcile errors.
	Metrics metrics.Collector

	// MaxConcurrentReconciles bounds parallel reconciles of distinct ingresses.
	MaxConcurrentReconciles int

	// startupComplete indicates whether the startup sync has completed.
	startupComplete atomic.Bool

	// startupRetryDelay overrides retryDelay for the startup converge.
	startupRetryDelay time.Duration
}

func (r *IngressReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	if !r.startupComplete.Load() {
		return ctrl.Result{RequeueAfter: startupPendingRequeueDelay}, nil
	}

	logger := slog.Default().With("ingress", req.NamespacedName)

	var ing networkingv1.Ingress

	err := r.Get(ctx, req.NamespacedName, &ing)
	if err != nil {
		if apierrors.IsNotFound(err) {
			logger.Debug("ingress deleted, triggering converge")

			return r.converge(ctx, logger), nil
		}

		return r.retry(ctx, logger, errors.Wrap(err, "failed to get ingress")), nil
	}

	qualifies := ingress.Qualifies(&ing, r.IngressClass)
	hasFinalizer := controllerutil.ContainsFinalizer(&ing, IngressFinalizer)

	if !qualifies && !hasFinalizer {
		return ctrl.Result{}, nil
	}

	if !ing.DeletionTimestamp.IsZero() || !qualifies {
		return r.release(ctx, logger, &ing), nil
	}

	if !hasFinalizer {
		controllerutil.AddFinalizer(&ing, IngressFinalizer)

		err = r.Update(ctx, &ing)
		if err != nil {
			return r.retry(ctx, logger, errors.Wrap(err, "failed to add finalizer")), nil
		}
	}

	logger.Info("reconciling ingress")

	return r.converge(ctx, logger), nil
}

// release converges without ing and then drops the finalizer. It handles
// both deletion and an ingress that moved to another class.
//
//nolint:funcorder // placed near Reconcile for readability
func (r *IngressReconciler) release(ctx context.Context, logger *slog.Logger, ing *networkingv1.Ingress) ctrl.Result {
	if !controllerutil.ContainsFinalizer(ing, IngressFinalizer) {
		return ctrl.Result{}
	}

	logger.Info("releasing ingress", "deleting", !ing.DeletionTimestamp.IsZero())

	_, err := r.Converger.Converge(ctx)
	if err != nil {
		return r.retry(ctx, logger, err)
	}

	controllerutil.RemoveFinalizer(ing, IngressFinalizer)

	err = r.Update(ctx, ing)
	if err != nil && !apierrors.IsNotFound(err) {
		return r.retry(ctx, logger, errors.Wrap(err, "failed to remove finalizer"))
	}

	return ctrl.Result{}
}

//nolint:funcorder // placed near Reconcile for readability
func (r *IngressReconciler) converge(ctx context.Context, logger *slog.Logger) ctrl.Result {
	_, err := r.Converger.Converge(ctx)
	if err != nil {
		return r.retry(ctx, logger, err)
	}

	return ctrl.Result{}
}

//nolint:funcorder // placed near Reconcile for readability
func (r *IngressReconciler) retry(ctx context.Context, logger *slog.Logger, err error) ctrl.Result {
	errorType := r.recordError(ctx, err)

	logger.Error("reconcile failed, retrying",
		"error", err,
		"errorType", errorType,
		"retryAfter", retryDelay,
	)

	return ctrl.Result{RequeueAfter: retryDelay}
}

//nolint:funcorder // placed near Reconcile for readability
func (r *IngressReconciler) recordError(ctx context.Context, err error) string {
	errorType := metrics.ClassifyAPIError(err)
	if errors.Is(err, secrets.ErrMissingTLS) {
		errorType = metrics.ErrorTypeMissingSecret
	}

	r.Metrics.RecordReconcileError(ctx, errorType)

	return errorType
}

func (r *IngressReconciler) SetupWithManager(mgr ctrl.Manager) error {
	mapper := &ManagedObjectMapper{
		Client:       r.Client,
		Namespace:    r.Converger.Namespace,
		IngressClass: r.IngressClass,
	}

	err := ctrl.NewControllerManagedBy(mgr).
		For(&networkingv1.Ingress{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.MaxConcurrentReconciles}).
		// Managed objects live in the controller namespace while ingresses are
		// cluster-wide, so owner references cannot express the relation.
		Watches(
			&appsv1.DaemonSet{},
			handler.EnqueueRequestsFromMapFunc(mapper.MapManagedObject),
		).
		Watches(
			&corev1.Service{},
			handler.EnqueueRequestsFromMapFunc(mapper.MapManagedObject),
		).
		Watches(
			&corev1.ConfigMap{},
			handler.EnqueueRequestsFromMapFunc(mapper.MapManagedObject),
		).
		// Secrets are either the managed aggregate or a source TLS secret.
		Watches(
			&corev1.Secret{},
			handler.EnqueueRequestsFromMapFunc(mapper.MapSecret),
		).
		Complete(r)
	if err != nil {
		return errors.Wrap(err, "failed to setup ingress controller")
	}

	// Add startup runnable for initial sync
	addErr := mgr.Add(r)
	if addErr != nil {
		return errors.Wrap(addErr, "failed to add startup sync runnable")
	}

	return nil
}

// Start implements manager.Runnable for startup sync.
//
// Reconciles are released after the first attempt. A failed attempt is
// retried after a fixed delay until it succeeds or ctx is cancelled, so
// leftovers are removed even when no ingress event ever arrives.
func (r *IngressReconciler) Start(ctx context.Context) error {
	logger := slog.Default().With("component", "ingress-startup-sync")
	logger.Info("performing startup converge of managed objects")

	delay := r.startupRetryDelay
	if delay <= 0 {
		delay = retryDelay
	}

	for {
		result, err := r.Converger.Converge(ctx)
		r.startupComplete.Store(true)

		if err == nil {
			logger.Info("startup converge completed", "tornDown", result.TornDown, "rules", result.Rules)

			return nil
		}

		errorType := r.recordError(ctx, err)
		logger.Error("startup converge failed, retrying",
			"error", err,
			"errorType", errorType,
			"retryAfter", delay,
		)

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}
