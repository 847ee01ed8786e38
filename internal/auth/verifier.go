// SPDX-License-Identifier: MIT

// Package auth verifies the bearer tokens presented in websocket handshakes.
// Tokens are HS256 JWTs minted by the soundspan backend; the embedded token
// version is checked against the user record so revoked sessions die even
// while the token itself is unexpired.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/ports"
	"github.com/soundspan/listend/internal/log"
)

type claims struct {
	Username     string `json:"username"`
	TokenVersion int    `json:"tv"`
	jwt.RegisteredClaims
}

// Verifier implements ports.AuthVerifier over a shared HMAC secret and the
// backend user directory.
type Verifier struct {
	secret []byte
	users  ports.UserDirectory
	logger zerolog.Logger
}

// New creates a token verifier.
func New(secret []byte, users ports.UserDirectory, logger zerolog.Logger) *Verifier {
	return &Verifier{secret: secret, users: users, logger: logger}
}

// VerifyToken validates signature, expiry and token version, and resolves
// the identity. Failures are uniformly ErrAuthFailed so callers cannot leak
// which check rejected the token.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (ports.Identity, error) {
	if token == "" {
		return ports.Identity{}, ports.ErrAuthFailed
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		v.logger.Debug().Err(err).Msg("token rejected")
		return ports.Identity{}, ports.ErrAuthFailed
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return ports.Identity{}, ports.ErrAuthFailed
	}

	user, err := v.users.FindUser(ctx, c.Subject)
	if err != nil {
		v.logger.Debug().Err(err).Str(log.FieldUserID, c.Subject).Msg("user lookup failed")
		return ports.Identity{}, ports.ErrAuthFailed
	}
	if user.TokenVersion != c.TokenVersion {
		v.logger.Info().
			Str(log.FieldUserID, c.Subject).
			Str(log.FieldEvent, "auth.token_revoked").
			Msg("token version mismatch")
		return ports.Identity{}, ports.ErrAuthFailed
	}

	username := c.Username
	if username == "" {
		username = user.Username
	}
	return ports.Identity{
		UserID:       user.ID,
		Username:     username,
		TokenVersion: user.TokenVersion,
	}, nil
}
