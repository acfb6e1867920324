// Package adminapi implements the HTTP admin surface spec.md §6 names:
// /api/plugins/* for lifecycle management and /api/market/* for catalog
// sync, both gated behind a single bearer token.
package adminapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nbot-dev/nbot/internal/persist"
)

// tokenState is the persisted signing secret and its issue time, stored at
// <dataDir>/state/api_token.json. The bearer token handed to admins is a
// deterministic function of this state, so it survives restarts without
// needing to be re-read back out of a signed token it can't be recomputed
// from.
type tokenState struct {
	Secret   string `json:"secret"`
	IssuedAt int64  `json:"issued_at"`
}

// TokenAuthority mints and verifies the admin bearer token. When Static is
// set (NBOT_API_TOKEN was configured), the token is an operator-supplied
// opaque string compared verbatim; otherwise it's a host-minted HS256 JWT
// carrying an issue time, per SPEC_FULL.md's ambient-stack choice to use
// golang-jwt rather than a bare random string.
type TokenAuthority struct {
	Static string
	secret []byte
	Token  string
}

// NewTokenAuthority resolves the admin token for dataDir. If envToken is
// non-empty it's used as-is (operator override, spec.md §6's NBOT_API_TOKEN).
// Otherwise a signing secret is loaded from or generated into
// <dataDir>/state/api_token.json, a JWT is (re)computed from it, and mirrored
// in plain text to <dataDir>/state/api_token.txt for an operator to read and
// paste into a client, matching the legacy "generated into api_token.txt"
// artifact spec.md §6 documents.
func NewTokenAuthority(dataDir, envToken string) (*TokenAuthority, error) {
	if envToken != "" {
		return &TokenAuthority{Static: envToken, Token: envToken}, nil
	}

	statePath := filepath.Join(dataDir, "state", "api_token.json")
	var st tokenState
	if err := persist.ReadJSON(statePath, &st); err != nil {
		return nil, err
	}
	if st.Secret == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("adminapi: generating token secret: %w", err)
		}
		st = tokenState{Secret: hex.EncodeToString(raw), IssuedAt: time.Now().Unix()}
		if err := persist.WriteJSONAtomic(statePath, st); err != nil {
			return nil, err
		}
	}

	secret, err := hex.DecodeString(st.Secret)
	if err != nil {
		return nil, fmt.Errorf("adminapi: decoding token secret: %w", err)
	}
	token, err := signAdminToken(secret, st.IssuedAt)
	if err != nil {
		return nil, err
	}
	if err := persist.WriteFileAtomic(filepath.Join(dataDir, "state", "api_token.txt"), []byte(token+"\n")); err != nil {
		return nil, err
	}
	return &TokenAuthority{secret: secret, Token: token}, nil
}

func signAdminToken(secret []byte, issuedAt int64) (string, error) {
	claims := jwt.MapClaims{
		"iss": "nbot",
		"sub": "admin",
		"iat": issuedAt,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// Verify reports whether candidate is a valid admin bearer credential.
func (a *TokenAuthority) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	if a.Static != "" {
		return candidate == a.Static
	}
	parsed, err := jwt.Parse(candidate, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	return err == nil && parsed.Valid
}
