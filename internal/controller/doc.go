// Package controller implements the Kubernetes controller that turns Ingress
// resources into a proxy DaemonSet and the files it serves from.
//
// A single IngressReconciler handles both deployment modes:
//
//   - host-port: the proxy binds ports 80 and 443 on every selected node.
//   - node-port: the proxy listens on container ports behind a NodePort Service.
//
// # Managed objects
//
// All objects live in the controller namespace under fixed names:
//
//	Secret    pingress-tls     aggregated key pairs, "{host}.crt" / "{host}.key"
//	ConfigMap pingress-config  proxy.json, the serialized routing configuration
//	Service   pingress-proxy   node-port mode only
//	DaemonSet pingress-proxy   pod template annotated with the config digest
//
// They exist together while at least one ingress of the configured class
// exists, and are removed together when the last one goes away.
//
// # Reconciliation
//
// Every event recomputes the desired state from a fresh ingress list:
//
//	list ingresses -> compile -> resolve TLS secrets -> Secret -> ConfigMap
//	  -> digest -> (Service) -> DaemonSet
//
// Secret and ConfigMap are always written before the DaemonSet, so pods
// rolled by a digest change mount matching content. A missing TLS secret
// aborts the pass before anything is written. Failures are retried after a
// fixed delay.
//
// # Finalizer
//
// Qualifying ingresses get the pingress.lex.la/finalizer finalizer before
// anything is applied. It is removed only after a converge without the
// ingress succeeded, which tears everything down when it was the last one.
//
// # Leader Election
//
// When running multiple replicas for high availability, enable leader election
// via --leader-elect flag to ensure only one controller actively reconciles
// resources at a time.
package controller
