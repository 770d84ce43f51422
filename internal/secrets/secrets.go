// Package secrets loads the bot's credentials from operator-provisioned
// files. Each secret lives in its own file so it can be rotated and
// permissioned independently. Values are never logged: Credential redacts
// itself when formatted or marshaled.
package secrets

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"

	"github.com/austindbirch/harborbot/internal/faults"
)

// Kind names one secret material
type Kind string

const (
	KindAppID         Kind = "app-id"
	KindAppPrivateKey Kind = "app-private-key"
	KindWebhookSecret Kind = "webhook-secret"
	KindSigningKey    Kind = "signing-key"
	KindCIToken       Kind = "ci-token"
)

// DefaultFiles maps each kind to its file name inside the secrets directory
var DefaultFiles = map[Kind]string{
	KindAppID:         "app-id",
	KindAppPrivateKey: "app-private-key.pem",
	KindWebhookSecret: "webhook-secret",
	KindSigningKey:    "signing-key",
	KindCIToken:       "ci-token",
}

const minWebhookSecretLen = 16

const redacted = "[REDACTED]"

// Credential is one raw secret loaded at startup. It is read-only.
type Credential struct {
	Kind  Kind
	Path  string
	value []byte
}

// Bytes returns a copy of the raw secret
func (c Credential) Bytes() []byte {
	return bytes.Clone(c.value)
}

// Empty reports whether the credential holds no value
func (c Credential) Empty() bool { return len(c.value) == 0 }

func (c Credential) String() string { return fmt.Sprintf("%s(%s)", c.Kind, redacted) }

// GoString keeps %#v from printing the value
func (c Credential) GoString() string { return c.String() }

// Format keeps %v, %+v and %s from printing the value
func (c Credential) Format(f fmt.State, _ rune) { _, _ = f.Write([]byte(c.String())) }

// MarshalJSON keeps structured loggers from printing the value
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(c.String())), nil
}

// AppID parses the app identity credential
func (c Credential) AppID() (int64, error) {
	if c.Kind != KindAppID {
		return 0, fmt.Errorf("%s is not an app id", c.Kind)
	}
	id, err := strconv.ParseInt(string(c.value), 10, 64)
	if err != nil {
		// the strconv error quotes its input
		return 0, c.unparseable(errors.New("not a decimal integer"))
	}
	return id, nil
}

// RSAKey parses the app private key credential
func (c Credential) RSAKey() (*rsa.PrivateKey, error) {
	if c.Kind != KindAppPrivateKey {
		return nil, fmt.Errorf("%s is not an app private key", c.Kind)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.value)
	if err != nil {
		return nil, c.unparseable(err)
	}
	return key, nil
}

// SSHSigner parses the commit-signing key credential
func (c Credential) SSHSigner() (ssh.Signer, error) {
	if c.Kind != KindSigningKey {
		return nil, fmt.Errorf("%s is not a signing key", c.Kind)
	}
	signer, err := ssh.ParsePrivateKey(c.value)
	if err != nil {
		return nil, c.unparseable(err)
	}
	return signer, nil
}

// unparseable marks a present but unusable secret as unavailable
func (c Credential) unparseable(err error) error {
	return fmt.Errorf("%w: %s does not parse: %w", faults.ErrSecretUnavailable, c.Kind, err)
}

// Store reads secrets from a directory with optional per-kind path overrides
type Store struct {
	dir       string
	overrides map[Kind]string
}

// NewStore returns a store rooted at dir. overrides maps a kind to an
// absolute (or dir-relative) file path.
func NewStore(dir string, overrides map[Kind]string) *Store {
	o := make(map[Kind]string, len(overrides))
	for k, v := range overrides {
		if v != "" {
			o[k] = v
		}
	}
	return &Store{dir: dir, overrides: o}
}

// KindOverrides converts path overrides keyed by kind name, as read from
// the environment
func KindOverrides(files map[string]string) map[Kind]string {
	out := make(map[Kind]string, len(files))
	for k, v := range files {
		out[Kind(k)] = v
	}
	return out
}

// Path returns the file the store reads for kind
func (s *Store) Path(kind Kind) string {
	p, ok := s.overrides[kind]
	if !ok {
		p = DefaultFiles[kind]
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.dir, p)
}

// Load reads and format-checks one secret. Errors wrap
// faults.ErrSecretUnavailable and never include the value.
func (s *Store) Load(kind Kind) (Credential, error) {
	if _, ok := DefaultFiles[kind]; !ok {
		return Credential{}, fmt.Errorf("%w: unknown secret kind %q", faults.ErrSecretUnavailable, kind)
	}
	path := s.Path(kind)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %s at %s: %w", faults.ErrSecretUnavailable, kind, path, err)
	}
	value := bytes.TrimRight(raw, "\r\n")
	if len(bytes.TrimSpace(value)) == 0 {
		return Credential{}, fmt.Errorf("%w: %s at %s is empty", faults.ErrSecretUnavailable, kind, path)
	}
	c := Credential{Kind: kind, Path: path, value: value}
	if err := check(c); err != nil {
		return Credential{}, fmt.Errorf("%w: %s at %s: %s", faults.ErrSecretUnavailable, kind, path, err)
	}
	return c, nil
}

// LoadAll loads every kind, failing on the first missing or malformed one
func (s *Store) LoadAll(kinds ...Kind) (map[Kind]Credential, error) {
	out := make(map[Kind]Credential, len(kinds))
	for _, k := range kinds {
		c, err := s.Load(k)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

// check is the per-kind format check. Messages must not echo the value.
func check(c Credential) error {
	switch c.Kind {
	case KindAppID:
		id, err := c.AppID()
		if err != nil || id <= 0 {
			return fmt.Errorf("not a positive integer")
		}
	case KindAppPrivateKey:
		if _, err := c.RSAKey(); err != nil {
			return fmt.Errorf("not a PEM-encoded RSA private key")
		}
	case KindWebhookSecret:
		if len(c.value) < minWebhookSecretLen {
			return fmt.Errorf("shorter than %d bytes", minWebhookSecretLen)
		}
	case KindSigningKey:
		if _, err := c.SSHSigner(); err != nil {
			return fmt.Errorf("not an unencrypted PEM-encoded SSH private key")
		}
	case KindCIToken:
		if bytes.ContainsAny(c.value, " \t\r\n") {
			return fmt.Errorf("contains whitespace")
		}
	}
	return nil
}
