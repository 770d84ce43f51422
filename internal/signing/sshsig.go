// Package signing produces git-compatible SSH signatures (the SSHSIG format
// that `git commit -S` emits with gpg.format=ssh) for commits created
// through the platform API.
package signing

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	magic         = "SSHSIG"
	sigVersion    = 1
	hashAlgorithm = "sha512"
	armorBegin    = "-----BEGIN SSH SIGNATURE-----"
	armorEnd      = "-----END SSH SIGNATURE-----"
	armorWidth    = 70

	// GitNamespace is the namespace git uses for commit and tag signatures
	GitNamespace = "git"
)

type signedData struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

type sigBlob struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

// Signer signs commit payloads with an SSH key. It satisfies go-github's
// MessageSigner.
type Signer struct {
	key       ssh.Signer
	namespace string
}

// NewSigner returns a signer using the git namespace
func NewSigner(key ssh.Signer) *Signer {
	return &Signer{key: key, namespace: GitNamespace}
}

// PublicKey returns the key verifiers should trust
func (s *Signer) PublicKey() ssh.PublicKey { return s.key.PublicKey() }

// Sign reads the whole message from r and writes an armored signature to w
func (s *Signer) Sign(w io.Writer, r io.Reader) error {
	msg, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	armored, err := s.SignMessage(msg)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, armored)
	return err
}

// SignMessage returns the armored SSHSIG signature of msg
func (s *Signer) SignMessage(msg []byte) (string, error) {
	data := toSign(s.namespace, msg)

	var (
		sig *ssh.Signature
		err error
	)
	// ssh-rsa keys must sign with SHA-512; the legacy SHA-1 scheme is rejected by git
	if as, ok := s.key.(ssh.AlgorithmSigner); ok && s.key.PublicKey().Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
	} else {
		sig, err = s.key.Sign(rand.Reader, data)
	}
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	blob := append([]byte(magic), ssh.Marshal(sigBlob{
		Version:       sigVersion,
		PublicKey:     s.key.PublicKey().Marshal(),
		Namespace:     s.namespace,
		HashAlgorithm: hashAlgorithm,
		Signature:     ssh.Marshal(sig),
	})...)
	return armor(blob), nil
}

// Verify checks an armored signature of msg against pub in namespace
func Verify(pub ssh.PublicKey, namespace string, msg []byte, armored string) error {
	blob, err := dearmor(armored)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(blob, []byte(magic)) {
		return errors.New("not an SSHSIG signature")
	}
	var sb sigBlob
	if err := ssh.Unmarshal(blob[len(magic):], &sb); err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if sb.Version != sigVersion {
		return fmt.Errorf("unsupported signature version %d", sb.Version)
	}
	if sb.Namespace != namespace {
		return fmt.Errorf("signature namespace %q, want %q", sb.Namespace, namespace)
	}
	if sb.HashAlgorithm != hashAlgorithm {
		return fmt.Errorf("unsupported hash algorithm %q", sb.HashAlgorithm)
	}
	if !bytes.Equal(sb.PublicKey, pub.Marshal()) {
		return errors.New("signature made by a different key")
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sb.Signature, &sig); err != nil {
		return fmt.Errorf("parse signature body: %w", err)
	}
	return pub.Verify(toSign(namespace, msg), &sig)
}

func toSign(namespace string, msg []byte) []byte {
	h := sha512.Sum512(msg)
	return append([]byte(magic), ssh.Marshal(signedData{
		Namespace:     namespace,
		HashAlgorithm: hashAlgorithm,
		Hash:          h[:],
	})...)
}

func armor(blob []byte) string {
	enc := base64.StdEncoding.EncodeToString(blob)
	var b strings.Builder
	b.WriteString(armorBegin)
	b.WriteByte('\n')
	for len(enc) > armorWidth {
		b.WriteString(enc[:armorWidth])
		b.WriteByte('\n')
		enc = enc[armorWidth:]
	}
	b.WriteString(enc)
	b.WriteByte('\n')
	b.WriteString(armorEnd)
	b.WriteByte('\n')
	return b.String()
}

func dearmor(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, armorBegin) || !strings.HasSuffix(s, armorEnd) {
		return nil, errors.New("missing SSH SIGNATURE armor")
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, armorBegin), armorEnd)
	body = strings.Join(strings.Fields(body), "")
	return base64.StdEncoding.DecodeString(body)
}
