package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func ed25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func rsaSigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

const commitPayload = "tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n" +
	"parent 1111111111111111111111111111111111111111\n" +
	"author harborbot <bot@example.com> 1700000000 +0000\n" +
	"committer harborbot <bot@example.com> 1700000000 +0000\n\n" +
	"Merge PR #7: add recipe"

func TestSignAndVerify(t *testing.T) {
	for name, key := range map[string]ssh.Signer{"ed25519": ed25519Signer(t), "rsa": rsaSigner(t)} {
		t.Run(name, func(t *testing.T) {
			s := NewSigner(key)
			armored, err := s.SignMessage([]byte(commitPayload))
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(armored, "-----BEGIN SSH SIGNATURE-----\n"))
			assert.True(t, strings.HasSuffix(armored, "-----END SSH SIGNATURE-----\n"))
			for _, line := range strings.Split(strings.TrimSpace(armored), "\n") {
				assert.LessOrEqual(t, len(line), 70)
			}

			require.NoError(t, Verify(s.PublicKey(), GitNamespace, []byte(commitPayload), armored))
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	s := NewSigner(ed25519Signer(t))
	armored, err := s.SignMessage([]byte(commitPayload))
	require.NoError(t, err)

	assert.Error(t, Verify(s.PublicKey(), GitNamespace, []byte(commitPayload+"!"), armored), "tampered message")
	assert.Error(t, Verify(s.PublicKey(), "file", []byte(commitPayload), armored), "wrong namespace")
	assert.Error(t, Verify(ed25519Signer(t).PublicKey(), GitNamespace, []byte(commitPayload), armored), "wrong key")
	assert.Error(t, Verify(s.PublicKey(), GitNamespace, []byte(commitPayload), "garbage"), "no armor")
}

func TestSignWritesArmor(t *testing.T) {
	s := NewSigner(ed25519Signer(t))
	var out bytes.Buffer
	require.NoError(t, s.Sign(&out, strings.NewReader(commitPayload)))
	require.NoError(t, Verify(s.PublicKey(), GitNamespace, []byte(commitPayload), out.String()))
}
