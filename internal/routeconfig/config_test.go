package routeconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lexfrei/pingress/internal/routeconfig"
)

func TestHTTPPath_Matches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		predicate routeconfig.HTTPPath
		path      string
		want      bool
	}{
		{name: "prefix root matches root", predicate: routeconfig.Prefix("/"), path: "/", want: true},
		{name: "prefix root matches nested", predicate: routeconfig.Prefix("/"), path: "/a/b/c", want: true},
		{name: "prefix matches longer", predicate: routeconfig.Prefix("/api"), path: "/api/v1", want: true},
		{name: "prefix is plain string prefix", predicate: routeconfig.Prefix("/api"), path: "/apiary", want: true},
		{name: "prefix rejects other", predicate: routeconfig.Prefix("/api"), path: "/web", want: false},
		{name: "exact matches literal", predicate: routeconfig.Exact("/v1/users"), path: "/v1/users", want: true},
		{name: "exact rejects trailing slash", predicate: routeconfig.Exact("/v1/users"), path: "/v1/users/", want: false},
		{name: "exact rejects sub path", predicate: routeconfig.Exact("/v1/users"), path: "/v1/users/1", want: false},
		{name: "unknown type never matches", predicate: routeconfig.HTTPPath{Type: "Regex", Path: "/"}, path: "/", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.predicate.Matches(tt.path))
		})
	}
}

func TestBackend_Address(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "svc1.default:80", routeconfig.Service("svc1", "default", 80).Address())
	assert.Equal(t, "api.team-a:8443", routeconfig.Service("api", "team-a", 8443).Address())
}

func TestTLSFor(t *testing.T) {
	t.Parallel()

	tls := routeconfig.TLSFor("/etc/pingress/keys", "a.example.com")

	assert.Equal(t, "/etc/pingress/keys/a.example.com.key", tls.Key)
	assert.Equal(t, "/etc/pingress/keys/a.example.com.cert", tls.Cert)
}

func TestSecretKeyStem(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.example.com", routeconfig.SecretKeyStem("a.example.com"))
	assert.Equal(t, "_.example.com", routeconfig.SecretKeyStem("*.example.com"))
}

func TestConfiguration_TLSHosts(t *testing.T) {
	t.Parallel()

	tlsA := routeconfig.TLSFor("/k", "a.example.com")
	cfg := &routeconfig.Configuration{
		Rules: []routeconfig.PathRule{
			{Host: "a.example.com", TLS: tlsA, Path: routeconfig.Prefix("/")},
			{Host: "b.example.com", Path: routeconfig.Prefix("/")},
			{Host: "a.example.com", TLS: tlsA, Path: routeconfig.Prefix("/api")},
			{Host: "*.example.com", TLS: routeconfig.TLSFor("/k", "*.example.com"), Path: routeconfig.Prefix("/")},
		},
	}

	assert.Equal(t, []string{"a.example.com", "*.example.com"}, cfg.TLSHosts())
}
