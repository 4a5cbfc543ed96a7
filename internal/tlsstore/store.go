// Package tlsstore holds the certificates served during TLS handshakes.
//
// A Snapshot is built from one routing configuration and never changes.
// The Store publishes snapshots through an atomic pointer so handshakes
// always see either the previous or the next snapshot as a whole.
package tlsstore

import (
	"crypto/tls"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/pingress/internal/routeconfig"
)

// ErrNoCertificate is returned by GetCertificate for an unknown server name.
var ErrNoCertificate = errors.New("no certificate")

// Snapshot maps host names to parsed key pairs.
type Snapshot struct {
	certificates map[string]*tls.Certificate
}

// Build reads and parses the key pair of every TLS host in cfg.
// Any unreadable or unparsable file fails the whole build.
func Build(cfg *routeconfig.Configuration) (*Snapshot, error) {
	snapshot := &Snapshot{
		certificates: make(map[string]*tls.Certificate),
	}

	for _, rule := range cfg.Rules {
		if rule.TLS == nil {
			continue
		}

		host := normalizeName(rule.Host)
		if _, ok := snapshot.certificates[host]; ok {
			continue
		}

		cert, err := loadKeyPair(rule.TLS)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load key pair for host %s", rule.Host)
		}

		snapshot.certificates[host] = cert
	}

	return snapshot, nil
}

func loadKeyPair(material *routeconfig.TLS) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(material.Cert)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read certificate")
	}

	keyPEM, err := os.ReadFile(material.Key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse key pair")
	}

	return &cert, nil
}

// Lookup returns the certificate for a server name.
// An exact entry wins; otherwise a "*.parent" entry covers a single leading label.
func (s *Snapshot) Lookup(name string) (*tls.Certificate, bool) {
	if s == nil {
		return nil, false
	}

	name = normalizeName(name)

	if cert, ok := s.certificates[name]; ok {
		return cert, true
	}

	_, parent, found := strings.Cut(name, ".")
	if !found || parent == "" {
		return nil, false
	}

	cert, ok := s.certificates["*."+parent]

	return cert, ok
}

// Len returns the number of hosts with a certificate.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}

	return len(s.certificates)
}

// Hosts returns the sorted host names of the snapshot.
func (s *Snapshot) Hosts() []string {
	if s == nil {
		return nil
	}

	hosts := make([]string, 0, len(s.certificates))
	for host := range s.certificates {
		hosts = append(hosts, host)
	}

	slices.Sort(hosts)

	return hosts
}

// Store is the current Snapshot. It is safe for concurrent use.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore builds the initial snapshot from cfg.
// A failure here must stop the process from serving.
func NewStore(cfg *routeconfig.Configuration) (*Store, error) {
	snapshot, err := Build(cfg)
	if err != nil {
		return nil, err
	}

	store := &Store{}
	store.Install(snapshot)

	return store, nil
}

// Install replaces the current snapshot.
func (s *Store) Install(snapshot *Snapshot) {
	s.current.Store(snapshot)
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Lookup resolves name against the current snapshot.
func (s *Store) Lookup(name string) (*tls.Certificate, bool) {
	return s.current.Load().Lookup(name)
}

// GetCertificate implements tls.Config.GetCertificate. Unknown names fail the handshake.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, ok := s.Lookup(hello.ServerName)
	if !ok {
		return nil, errors.Wrapf(ErrNoCertificate, "server name %q", hello.ServerName)
	}

	return cert, nil
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
