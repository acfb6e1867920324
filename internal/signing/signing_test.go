package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/ids"
)

func sampleFiles() []ids.File {
	return []ids.File{{Path: "index.js", Bytes: []byte("hello")}}
}

func TestVerifyValidSignature(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := Sign(sampleFiles(), priv)
	policy := Policy{PublisherKey: pub}
	assert.NoError(t, policy.Verify("hello-bot", sig, sampleFiles()))
}

func TestVerifyRejectsTamperedFiles(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := Sign(sampleFiles(), priv)
	tampered := []ids.File{{Path: "index.js", Bytes: []byte("tampered")}}

	policy := Policy{PublisherKey: pub}
	err = policy.Verify("hello-bot", sig, tampered)
	require.Error(t, err)
	assert.Equal(t, hosterr.BadSignature, hosterr.CodeOf(err))
}

func TestVerifyMissingSignatureRefusedByDefault(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	policy := Policy{PublisherKey: pub}
	err = policy.Verify("hello-bot", "", sampleFiles())
	require.Error(t, err)
	assert.Equal(t, hosterr.MissingSignature, hosterr.CodeOf(err))
}

func TestVerifyMissingSignatureAllowedWithOverride(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	policy := Policy{PublisherKey: pub, AllowUnsigned: true}
	assert.NoError(t, policy.Verify("hello-bot", "", sampleFiles()))
}

func TestVerifyMalformedSignature(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	policy := Policy{PublisherKey: pub}
	err = policy.Verify("hello-bot", "not-base64!!", sampleFiles())
	require.Error(t, err)
	assert.Equal(t, hosterr.BadSignature, hosterr.CodeOf(err))
}

func TestVerifyRoundTripUnderRepacking(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	files := []ids.File{
		{Path: "b.js", Bytes: []byte("second")},
		{Path: "a.js", Bytes: []byte("first")},
	}
	sig := Sign(files, priv)

	reordered := []ids.File{files[1], files[0]}
	policy := Policy{PublisherKey: pub}
	assert.NoError(t, policy.Verify("x", sig, reordered))
}
