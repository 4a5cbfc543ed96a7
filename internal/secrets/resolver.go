// Package secrets resolves the TLS secrets referenced by ingresses into the
// data of the aggregated secret mounted by the proxy.
package secrets

import (
	"context"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/pingress/internal/ingress"
	"github.com/lexfrei/pingress/internal/routeconfig"
)

// ErrMissingTLS marks failures caused by absent TLS material: a referenced
// secret that does not exist, lacks a field, or a TLS host without a secret.
var ErrMissingTLS = errors.New("tls material unavailable")

// Resolver fetches the per-namespace TLS secrets of a build result.
type Resolver struct {
	client client.Reader
}

// NewResolver creates a new secrets Resolver.
func NewResolver(c client.Reader) *Resolver {
	return &Resolver{client: c}
}

// Resolve returns the aggregated secret data for result: "{stem}.crt" and
// "{stem}.key" per TLS host, see routeconfig.SecretKeyStem.
//
// Any missing secret or field fails the whole call so a partially populated
// secret is never published.
func (r *Resolver) Resolve(ctx context.Context, result ingress.BuildResult) (map[string][]byte, error) {
	refs := make(map[string]ingress.TLSSecretRef, len(result.TLSRefs))
	for _, ref := range result.TLSRefs {
		refs[ref.Host] = ref
	}

	for _, host := range result.Config.TLSHosts() {
		if _, ok := refs[host]; !ok {
			return nil, errors.Mark(errors.Newf("host %s is listed for tls without a secret name", host), ErrMissingTLS)
		}
	}

	fetched := make(map[types.NamespacedName]*corev1.Secret)
	data := make(map[string][]byte, 2*len(result.TLSRefs))

	for _, ref := range result.TLSRefs {
		name := types.NamespacedName{Namespace: ref.Namespace, Name: ref.SecretName}

		secret, ok := fetched[name]
		if !ok {
			var err error

			secret, err = r.getSecret(ctx, name)
			if err != nil {
				return nil, err
			}

			fetched[name] = secret
		}

		cert, privateKey, err := extractKeyPair(secret)
		if err != nil {
			return nil, err
		}

		stem := routeconfig.SecretKeyStem(ref.Host)
		data[stem+routeconfig.SecretCertSuffix] = cert
		data[stem+routeconfig.KeySuffix] = privateKey
	}

	return data, nil
}

func (r *Resolver) getSecret(ctx context.Context, key types.NamespacedName) (*corev1.Secret, error) {
	secret := &corev1.Secret{}

	err := r.client.Get(ctx, key, secret)
	if err != nil {
		wrapped := errors.Wrapf(err, "failed to get secret %s", key)
		if apierrors.IsNotFound(err) {
			return nil, errors.Mark(wrapped, ErrMissingTLS)
		}

		return nil, wrapped
	}

	return secret, nil
}

func extractKeyPair(secret *corev1.Secret) ([]byte, []byte, error) {
	cert, ok := secret.Data[corev1.TLSCertKey]
	if !ok || len(cert) == 0 {
		return nil, nil, errors.Mark(
			errors.Newf("secret %s/%s does not contain key %s", secret.Namespace, secret.Name, corev1.TLSCertKey),
			ErrMissingTLS,
		)
	}

	key, ok := secret.Data[corev1.TLSPrivateKeyKey]
	if !ok || len(key) == 0 {
		return nil, nil, errors.Mark(
			errors.Newf("secret %s/%s does not contain key %s", secret.Namespace, secret.Name, corev1.TLSPrivateKeyKey),
			ErrMissingTLS,
		)
	}

	return cert, key, nil
}
