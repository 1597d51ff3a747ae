// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-livesync/internal/auth"
)

const tokenIssuer = "go-livesync"

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string, logger *slog.Logger) *JWTAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{
		secret: []byte(secret),
		logger: logger,
	}
}

// JWTClaims identifies the user and the device a replica runs on
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken generates a signed token for userID on deviceID
func (j *JWTAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user and device in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, j.logger, http.StatusUnauthorized, codeAuthFailed, "authorization header required")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			writeError(w, j.logger, http.StatusUnauthorized, codeAuthFailed, "bearer token required")
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			j.logger.Warn("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeError(w, j.logger, http.StatusUnauthorized, codeAuthFailed, "invalid token")
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
