package tlsstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/pingress/internal/routeconfig"
)

func writeKeyPair(t *testing.T, dir, host string) *routeconfig.TLS {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	material := routeconfig.TLSFor(dir, host)
	require.NoError(t, os.WriteFile(material.Cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(material.Key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return material
}

func tlsRule(host string, material *routeconfig.TLS) routeconfig.PathRule {
	return routeconfig.PathRule{
		Host:    host,
		TLS:     material,
		Path:    routeconfig.Prefix("/"),
		Backend: routeconfig.Service("web", "default", 80),
	}
}

func commonName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()

	require.NotEmpty(t, cert.Certificate)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return parsed.Subject.CommonName
}

func TestBuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", writeKeyPair(t, dir, "a.example.com")),
		tlsRule("b.example.com", writeKeyPair(t, dir, "b.example.com")),
		{Host: "plain.example.com", Path: routeconfig.Prefix("/"), Backend: routeconfig.Service("web", "default", 80)},
	}}

	snapshot, err := Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, snapshot.Len())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, snapshot.Hosts())

	cert, ok := snapshot.Lookup("a.example.com")
	require.True(t, ok)
	assert.Equal(t, "a.example.com", commonName(t, cert))

	_, ok = snapshot.Lookup("plain.example.com")
	assert.False(t, ok)
}

func TestBuild_SharedHostParsedOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	material := writeKeyPair(t, dir, "a.example.com")

	cfg := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", material),
		tlsRule("a.example.com", material),
	}}

	snapshot, err := Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, snapshot.Len())
}

func TestBuild_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, material *routeconfig.TLS)
		wantErr string
	}{
		{
			name: "missing certificate",
			prepare: func(t *testing.T, material *routeconfig.TLS) {
				t.Helper()
				require.NoError(t, os.Remove(material.Cert))
			},
			wantErr: "failed to read certificate",
		},
		{
			name: "missing key",
			prepare: func(t *testing.T, material *routeconfig.TLS) {
				t.Helper()
				require.NoError(t, os.Remove(material.Key))
			},
			wantErr: "failed to read private key",
		},
		{
			name: "garbage certificate",
			prepare: func(t *testing.T, material *routeconfig.TLS) {
				t.Helper()
				require.NoError(t, os.WriteFile(material.Cert, []byte("not a pem"), 0o600))
			},
			wantErr: "failed to parse key pair",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			good := writeKeyPair(t, dir, "good.example.com")
			bad := writeKeyPair(t, dir, "bad.example.com")
			tt.prepare(t, bad)

			cfg := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
				tlsRule("good.example.com", good),
				tlsRule("bad.example.com", bad),
			}}

			snapshot, err := Build(cfg)
			require.Error(t, err)
			assert.Nil(t, snapshot)
			assert.Contains(t, err.Error(), "bad.example.com")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSnapshotLookup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("example.com", writeKeyPair(t, dir, "example.com")),
		tlsRule("*.example.com", writeKeyPair(t, dir, "*.example.com")),
		tlsRule("api.example.com", writeKeyPair(t, dir, "api.example.com")),
	}}

	snapshot, err := Build(cfg)
	require.NoError(t, err)

	tests := []struct {
		name     string
		sni      string
		wantCN   string
		wantFind bool
	}{
		{name: "exact", sni: "api.example.com", wantCN: "api.example.com", wantFind: true},
		{name: "apex", sni: "example.com", wantCN: "example.com", wantFind: true},
		{name: "wildcard", sni: "www.example.com", wantCN: "*.example.com", wantFind: true},
		{name: "case insensitive", sni: "API.Example.COM", wantCN: "api.example.com", wantFind: true},
		{name: "trailing dot", sni: "api.example.com.", wantCN: "api.example.com", wantFind: true},
		{name: "wildcard covers one label", sni: "a.b.example.com", wantFind: false},
		{name: "unknown", sni: "other.org", wantFind: false},
		{name: "empty", sni: "", wantFind: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cert, ok := snapshot.Lookup(tt.sni)
			assert.Equal(t, tt.wantFind, ok)

			if tt.wantFind {
				assert.Equal(t, tt.wantCN, commonName(t, cert))
			}
		})
	}
}

func TestNilSnapshot(t *testing.T) {
	t.Parallel()

	var snapshot *Snapshot

	_, ok := snapshot.Lookup("a.example.com")
	assert.False(t, ok)
	assert.Zero(t, snapshot.Len())
	assert.Nil(t, snapshot.Hosts())
}

func TestNewStore_FailsClosed(t *testing.T) {
	t.Parallel()

	cfg := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", routeconfig.TLSFor(filepath.Join(t.TempDir(), "missing"), "a.example.com")),
	}}

	store, err := NewStore(cfg)
	require.Error(t, err)
	assert.Nil(t, store)
}

func TestStore_GetCertificate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(&routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", writeKeyPair(t, dir, "a.example.com")),
	}})
	require.NoError(t, err)

	cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", commonName(t, cert))

	cert, err = store.GetCertificate(&tls.ClientHelloInfo{ServerName: "b.example.com"})
	require.ErrorIs(t, err, ErrNoCertificate)
	assert.Nil(t, cert)
}

func TestStore_Install(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(&routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", writeKeyPair(t, dir, "a.example.com")),
	}})
	require.NoError(t, err)

	next, err := Build(&routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("b.example.com", writeKeyPair(t, dir, "b.example.com")),
	}})
	require.NoError(t, err)

	store.Install(next)

	assert.Same(t, next, store.Snapshot())

	_, ok := store.Lookup("a.example.com")
	assert.False(t, ok)

	_, ok = store.Lookup("b.example.com")
	assert.True(t, ok)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("a.example.com", writeKeyPair(t, dir, "a.example.com")),
		tlsRule("b.example.com", writeKeyPair(t, dir, "b.example.com")),
	}}
	second := &routeconfig.Configuration{Rules: []routeconfig.PathRule{
		tlsRule("c.example.com", writeKeyPair(t, dir, "c.example.com")),
		tlsRule("d.example.com", writeKeyPair(t, dir, "d.example.com")),
	}}

	store, err := NewStore(first)
	require.NoError(t, err)

	snapshots := make([]*Snapshot, 0, 2)
	for _, cfg := range []*routeconfig.Configuration{first, second} {
		snapshot, buildErr := Build(cfg)
		require.NoError(t, buildErr)

		snapshots = append(snapshots, snapshot)
	}

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 500 {
				snapshot := store.Snapshot()
				_, hasA := snapshot.Lookup("a.example.com")
				_, hasB := snapshot.Lookup("b.example.com")
				_, hasC := snapshot.Lookup("c.example.com")
				_, hasD := snapshot.Lookup("d.example.com")

				assert.Equal(t, hasA, hasB)
				assert.Equal(t, hasC, hasD)
				assert.NotEqual(t, hasA, hasC)
			}
		}()
	}

	for i := range 500 {
		store.Install(snapshots[i%2])
	}

	wg.Wait()
}
