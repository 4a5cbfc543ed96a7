// Package routeconfig defines the routing configuration shared by the
// controller and the proxy.
//
// The controller compiles Ingress resources into a Configuration, serializes it
// into a ConfigMap and stamps the SHA-512 digest of the serialized bytes on the
// proxy DaemonSet pod template. The proxy reads the same serialized form from
// the mounted file. The JSON document is the only coupling between the two
// binaries:
//
//	{"rules":[{"host":"a.example.com",
//	           "tls":{"key":"/etc/pingress/keys/a.example.com.key","cert":"/etc/pingress/keys/a.example.com.cert"},
//	           "path":{"type":"Prefix","path":"/"},
//	           "backend":{"type":"Service","name":"web","namespace":"default","port":80}}]}
//
// Rule order is significant: it is the match precedence within a host class.
package routeconfig
