package main

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go-face-compare/models"

	"github.com/golang-jwt/jwt/v4"
)

// JwtVerifier validates RS256 bearer tokens against a public key. The
// service never issues tokens itself, an upstream gateway does.
type JwtVerifier struct {
	publicKey *rsa.PublicKey
}

func NewJwtVerifier(publicKeyPath string) (*JwtVerifier, error) {
	keyBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
	}

	return &JwtVerifier{publicKey: publicKey}, nil
}

func (v *JwtVerifier) Verify(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// bearerAuth rejects requests without a valid Authorization bearer token.
func bearerAuth(verifier *JwtVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondWithErr(w, http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"}, "missing bearer token", nil)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if err := verifier.Verify(token); err != nil {
			slog.Warn("Rejected bearer token", "error", err)
			respondWithErr(w, http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"}, "invalid bearer token", err)
			return
		}

		next.ServeHTTP(w, r)
	})
}
