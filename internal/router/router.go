// Package router maps a request host and path to the backend of the first
// matching rule of a routing configuration.
package router

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"

	"github.com/lexfrei/pingress/internal/routeconfig"
)

const (
	wildcardMarker = "*"
	labelSeparator = '.'
)

// ErrNoRoute is returned by Route when no rule matches.
var ErrNoRoute = errors.New("no route")

// Table is an immutable lookup structure built from one configuration.
//
// Exact hosts are looked up first. A host without an exact entry, or whose
// exact rules do not match the path, is matched against the wildcard rules
// in configuration order.
type Table struct {
	exact     map[string][]routeconfig.PathRule
	wildcards []wildcardRule
}

type wildcardRule struct {
	pattern glob.Glob
	rule    routeconfig.PathRule
}

// New builds a Table from cfg.
//
// A wildcard marker matches one or more characters within a single DNS
// label: "*.example.com" matches "a.example.com" but neither
// "a.b.example.com" nor "example.com".
func New(cfg *routeconfig.Configuration) (*Table, error) {
	table := &Table{
		exact: make(map[string][]routeconfig.PathRule),
	}

	for _, rule := range cfg.Rules {
		host := normalizeHost(rule.Host)

		if !strings.Contains(host, wildcardMarker) {
			table.exact[host] = append(table.exact[host], rule)

			continue
		}

		pattern, err := compileWildcard(host)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid wildcard host %q", rule.Host)
		}

		table.wildcards = append(table.wildcards, wildcardRule{pattern: pattern, rule: rule})
	}

	return table, nil
}

// Lookup returns the backend for host and path. The host may carry a port.
func (t *Table) Lookup(host, path string) (routeconfig.Backend, bool) {
	rule, ok := t.Match(host, path)
	if !ok {
		return routeconfig.Backend{}, false
	}

	return rule.Backend, true
}

// Match returns the first rule matching host and path.
func (t *Table) Match(host, path string) (routeconfig.PathRule, bool) {
	host = normalizeHost(host)

	for _, rule := range t.exact[host] {
		if rule.Path.Matches(path) {
			return rule, true
		}
	}

	for _, wildcard := range t.wildcards {
		if wildcard.pattern.Match(host) && wildcard.rule.Path.Matches(path) {
			return wildcard.rule, true
		}
	}

	return routeconfig.PathRule{}, false
}

// Route resolves host and path to the upstream address "{service}.{namespace}:{port}".
func (t *Table) Route(host, path string) (string, error) {
	backend, ok := t.Lookup(host, path)
	if !ok {
		return "", errors.Wrapf(ErrNoRoute, "%s%s", host, path)
	}

	return backend.Address(), nil
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	count := len(t.wildcards)
	for _, rules := range t.exact {
		count += len(rules)
	}

	return count
}

// compileWildcard turns each marker into "?*": at least one character that
// is not a label separator.
func compileWildcard(host string) (glob.Glob, error) {
	parts := strings.Split(host, wildcardMarker)
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}

	pattern, err := glob.Compile(strings.Join(parts, "?*"), labelSeparator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile host pattern")
	}

	return pattern, nil
}

func normalizeHost(host string) string {
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}

	return strings.TrimSuffix(strings.ToLower(host), ".")
}
