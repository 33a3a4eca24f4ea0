// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	userID, err := v.Verify(signToken(t, "secret", "user-42", time.Hour))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want user-42", userID)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewJWTVerifier("secret")

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", "u1", time.Hour)},
		{"expired", signToken(t, "secret", "u1", -time.Hour)},
		{"missing subject", signToken(t, "secret", "", time.Hour)},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("got %v, want ErrInvalidToken", err)
			}
		})
	}
}
