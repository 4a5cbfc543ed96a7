// Package ingress compiles Kubernetes Ingress resources into the routing
// configuration served by the proxy.
//
// # Overview
//
// The Builder selects ingresses of one ingress class and turns every
// host/path entry into a routeconfig.PathRule. It handles:
//
//   - Class selection via spec.ingressClassName, falling back to the
//     kubernetes.io/ingress.class annotation
//   - Path matching (Exact, everything else as Prefix)
//   - Backend resolution to a Service name, namespace and numeric port
//   - TLS material locations and the secrets that provide them
//
// # Ordering
//
// Ingresses are compiled in (namespace, name) order and rules keep their
// declaration order, so compiling the same set twice yields byte-identical
// output. Precedence between rules of one host follows this order.
//
// # TLS
//
// A host carries TLS material when it is listed in the same ingress's TLS
// block. Only the file locations are emitted:
//
//	{secretBasePath}/{host}.key
//	{secretBasePath}/{host}.cert
//
// The secret references are returned separately, one per host, so the
// controller can aggregate the key pairs into a single mounted secret.
package ingress
