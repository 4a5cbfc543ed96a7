package routeconfig

import (
	"fmt"
	"strings"
)

const (
	// DefaultSecretBasePath is where the proxy expects TLS key/cert pairs to be mounted.
	DefaultSecretBasePath = "/etc/pingress/keys"

	// KeySuffix and CertSuffix are the file name suffixes under the secret base path.
	KeySuffix  = ".key"
	CertSuffix = ".cert"

	// SecretCertSuffix is the data key suffix used in the aggregated Secret.
	// The Secret volume projects it to CertSuffix.
	SecretCertSuffix = ".crt"
)

// PathType selects how a rule's path is compared with the request path.
type PathType string

const (
	PathTypeExact  PathType = "Exact"
	PathTypePrefix PathType = "Prefix"
)

// BackendType identifies the kind of upstream a rule forwards to.
type BackendType string

// BackendTypeService is the only supported backend: a cluster Service with a numeric port.
const BackendTypeService BackendType = "Service"

// Configuration is the ordered list of path rules served by the proxy.
type Configuration struct {
	Rules []PathRule `json:"rules"`
}

// PathRule routes requests for Host whose path matches Path to Backend.
// TLS is nil when the host has no certificate material.
type PathRule struct {
	Host    string   `json:"host"`
	TLS     *TLS     `json:"tls"`
	Path    HTTPPath `json:"path"`
	Backend Backend  `json:"backend"`
}

// TLS holds filesystem locations of the PEM encoded key and certificate.
// Key bytes never travel through the configuration.
type TLS struct {
	Key  string `json:"key"`
	Cert string `json:"cert"`
}

// HTTPPath is a path predicate.
type HTTPPath struct {
	Type PathType `json:"type"`
	Path string   `json:"path"`
}

// Backend is the upstream of a rule.
type Backend struct {
	Type      BackendType `json:"type"`
	Name      string      `json:"name"`
	Namespace string      `json:"namespace"`
	Port      uint16      `json:"port"`
}

// Exact returns an exact path predicate.
func Exact(path string) HTTPPath {
	return HTTPPath{Type: PathTypeExact, Path: path}
}

// Prefix returns a prefix path predicate.
func Prefix(path string) HTTPPath {
	return HTTPPath{Type: PathTypePrefix, Path: path}
}

// Service returns a Service backend.
func Service(name, namespace string, port uint16) Backend {
	return Backend{Type: BackendTypeService, Name: name, Namespace: namespace, Port: port}
}

// Matches reports whether requestPath satisfies the predicate.
// Exact requires equality, Prefix requires requestPath to start with the path.
func (p HTTPPath) Matches(requestPath string) bool {
	switch p.Type {
	case PathTypeExact:
		return requestPath == p.Path
	case PathTypePrefix:
		return strings.HasPrefix(requestPath, p.Path)
	}

	return false
}

// Address renders the cluster-internal upstream address "{service}.{namespace}:{port}".
func (b Backend) Address() string {
	return fmt.Sprintf("%s.%s:%d", b.Name, b.Namespace, b.Port)
}

// TLSFor synthesizes the key/cert locations of host under basePath.
func TLSFor(basePath, host string) *TLS {
	return &TLS{
		Key:  KeyPath(basePath, host),
		Cert: CertPath(basePath, host),
	}
}

// KeyPath returns "{basePath}/{host}.key".
func KeyPath(basePath, host string) string {
	return basePath + "/" + host + KeySuffix
}

// CertPath returns "{basePath}/{host}.cert".
func CertPath(basePath, host string) string {
	return basePath + "/" + host + CertSuffix
}

// SecretKeyStem returns the Secret data key prefix for host.
// Secret keys may not contain '*', so wildcard markers become '_'.
func SecretKeyStem(host string) string {
	return strings.ReplaceAll(host, "*", "_")
}

// TLSHosts returns the distinct hosts carrying TLS material, in rule order.
func (c *Configuration) TLSHosts() []string {
	seen := make(map[string]struct{}, len(c.Rules))
	hosts := make([]string, 0, len(c.Rules))

	for _, rule := range c.Rules {
		if rule.TLS == nil {
			continue
		}

		if _, ok := seen[rule.Host]; ok {
			continue
		}

		seen[rule.Host] = struct{}{}
		hosts = append(hosts, rule.Host)
	}

	return hosts
}
