// Package signing implements ed25519 detached-signature verification over a
// package's tree hash, and the host's install-time policy for when a
// missing or invalid signature is tolerated.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/ids"
)

// GenerateKeyPair generates a new ed25519 key pair for plugin signing. Used
// by cmd/nbotctl's keygen subcommand, not by the host at runtime.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Sign produces a base64 detached signature over the tree hash of files.
func Sign(files []ids.File, privateKey ed25519.PrivateKey) string {
	h := ids.TreeHash(files)
	sig := ed25519.Sign(privateKey, h[:])
	return base64.StdEncoding.EncodeToString(sig)
}

// Policy governs how install-time verification is enforced.
type Policy struct {
	// PublisherKey is the trusted ed25519 verification key. A zero-length
	// key means no key is configured; unsigned-plugin refusal still
	// applies, only AllowUnsigned can bypass it.
	PublisherKey ed25519.PublicKey
	// AllowUnsigned is the development-mode escape hatch
	// (NBOT_ALLOW_UNSIGNED_PLUGINS). When true, a missing or invalid
	// signature logs a warning and is accepted rather than refused.
	AllowUnsigned bool
	Logger        *slog.Logger
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Verify enforces install-time signature policy for a non-builtin package.
// Builtin packages should never call Verify; the registry skips it for them
// structurally, per spec.
func (p Policy) Verify(pluginID string, signatureB64 string, files []ids.File) error {
	if signatureB64 == "" {
		if p.AllowUnsigned {
			p.logger().Warn("installing unsigned plugin", "plugin", pluginID)
			return nil
		}
		return hosterr.New(hosterr.MissingSignature, "plugin "+pluginID+" has no signature")
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		if p.AllowUnsigned {
			p.logger().Warn("installing plugin with malformed signature", "plugin", pluginID)
			return nil
		}
		return hosterr.New(hosterr.BadSignature, "plugin "+pluginID+" signature is malformed")
	}

	if len(p.PublisherKey) != ed25519.PublicKeySize {
		if p.AllowUnsigned {
			p.logger().Warn("no publisher key configured, accepting signed plugin without verification", "plugin", pluginID)
			return nil
		}
		return hosterr.New(hosterr.MissingSignature, "no publisher key configured")
	}

	h := ids.TreeHash(files)
	if !ed25519.Verify(p.PublisherKey, h[:], sig) {
		if p.AllowUnsigned {
			p.logger().Warn("plugin signature failed verification, accepting due to development override", "plugin", pluginID)
			return nil
		}
		return hosterr.New(hosterr.BadSignature, "plugin "+pluginID+" signature verification failed")
	}
	return nil
}
