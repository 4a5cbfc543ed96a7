// Package proxy serves HTTP and HTTPS traffic for the routing table.
//
// Requests are matched by host and path, then forwarded over plain HTTP to
// the rule's Service with the original Host header. Certificates are served
// from a tlsstore.Store by SNI. Every request produces one access log line.
package proxy
