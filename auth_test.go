package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "jwt_public_key.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return key, path
}

func signTestToken(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewJwtVerifier_MissingFile(t *testing.T) {
	_, err := NewJwtVerifier(filepath.Join(t.TempDir(), "nope.pem"))
	require.ErrorContains(t, err, "failed to read jwt public key")
}

func TestNewJwtVerifier_NotAKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

	_, err := NewJwtVerifier(path)
	require.ErrorContains(t, err, "failed to parse jwt public key")
}

func TestJwtVerifier_AcceptsValidToken(t *testing.T) {
	key, path := generateTestKeyPair(t)
	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	require.NoError(t, verifier.Verify(signTestToken(t, key)))
}

func TestJwtVerifier_RejectsWrongKey(t *testing.T) {
	_, path := generateTestKeyPair(t)
	otherKey, _ := generateTestKeyPair(t)

	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	require.Error(t, verifier.Verify(signTestToken(t, otherKey)))
}

func TestJwtVerifier_RejectsExpiredToken(t *testing.T) {
	key, path := generateTestKeyPair(t)
	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	require.Error(t, verifier.Verify(signed))
}

func TestJwtVerifier_RejectsHmacToken(t *testing.T) {
	_, path := generateTestKeyPair(t)
	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("shared secret"))
	require.NoError(t, err)

	require.ErrorContains(t, verifier.Verify(signed), "unexpected signing method")
}

func TestBearerAuth_ProtectsEmbeddingsRoute(t *testing.T) {
	key, path := generateTestKeyPair(t)
	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	server := startTestServer(t, &ServerState{
		comparator:  NewComparator(happyEngine(), nil),
		jwtVerifier: verifier,
	})

	payload, err := json.Marshal(embeddingRequest(t))
	require.NoError(t, err)

	doPost := func(authHeader string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/get-embeddings", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusUnauthorized, doPost("").StatusCode)
	require.Equal(t, http.StatusUnauthorized, doPost("Basic abc").StatusCode)
	require.Equal(t, http.StatusUnauthorized, doPost("Bearer not-a-token").StatusCode)
	require.Equal(t, http.StatusOK, doPost("Bearer "+signTestToken(t, key)).StatusCode)
}

func TestBearerAuth_HealthStaysPublic(t *testing.T) {
	_, path := generateTestKeyPair(t)
	verifier, err := NewJwtVerifier(path)
	require.NoError(t, err)

	server := startTestServer(t, &ServerState{
		comparator:  NewComparator(happyEngine(), nil),
		jwtVerifier: verifier,
	})

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
