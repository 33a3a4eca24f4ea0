// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package auth resolves client identity tokens to user IDs. The rest of the
// system treats it as an oracle: a token either maps to a user or the
// connection is rejected.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that are malformed, expired, or
// signed with the wrong key.
var ErrInvalidToken = errors.New("auth: invalid token")

// IdentityVerifier resolves an identity token to a user ID.
type IdentityVerifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier verifies HS256-signed JWTs. The subject claim carries the
// user ID.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements IdentityVerifier.
func (v *JWTVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return sub, nil
}
