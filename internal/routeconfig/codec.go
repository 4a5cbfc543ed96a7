package routeconfig

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// Marshal serializes cfg into the wire format. A nil rule list is written as
// an empty array so the document always carries "rules".
func Marshal(cfg *Configuration) ([]byte, error) {
	out := *cfg
	if out.Rules == nil {
		out.Rules = []PathRule{}
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal routing configuration")
	}

	return data, nil
}

// Parse decodes and validates a serialized configuration.
func Parse(data []byte) (*Configuration, error) {
	var cfg Configuration

	err := json.Unmarshal(data, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse routing configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read routing configuration %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid routing configuration %s", path)
	}

	return cfg, nil
}

// Digest returns the hex encoded SHA-512 of data.
func Digest(data []byte) string {
	sum := sha512.Sum512(data)

	return hex.EncodeToString(sum[:])
}

// Validate rejects rules the proxy cannot serve.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (c *Configuration) Validate() error {
	for idx, rule := range c.Rules {
		if rule.Host == "" {
			return errors.Newf("rule %d: empty host", idx)
		}

		switch rule.Path.Type {
		case PathTypeExact, PathTypePrefix:
		default:
			return errors.Newf("rule %d: unsupported path type %q", idx, rule.Path.Type)
		}

		if rule.Backend.Type != BackendTypeService {
			return errors.Newf("rule %d: unsupported backend type %q", idx, rule.Backend.Type)
		}

		if rule.Backend.Name == "" || rule.Backend.Port == 0 {
			return errors.Newf("rule %d: backend service name and port are required", idx)
		}

		if rule.TLS != nil && (rule.TLS.Key == "" || rule.TLS.Cert == "") {
			return errors.Newf("rule %d: tls requires both key and cert", idx)
		}
	}

	return nil
}
