package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key"

// testIssuer serves OIDC discovery and a JWKS for one RSA key over TLS.
type testIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	caFile string
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	iss := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                iss.server.URL,
			"jwks_uri":                              iss.server.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": testKeyID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	iss.server = httptest.NewTLSServer(mux)
	t.Cleanup(iss.server.Close)

	iss.caFile = filepath.Join(t.TempDir(), "issuer_ca.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: iss.server.Certificate().Raw})
	require.NoError(t, os.WriteFile(iss.caFile, certPEM, 0o600))
	return iss
}

func (iss *testIssuer) mint(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	base := jwt.MapClaims{
		"iss": iss.server.URL,
		"sub": "loader",
		"aud": "pgbulk",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestOIDCAndDBRoleChain(t *testing.T) {
	iss := newTestIssuer(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	auth, err := OIDCAuthMiddleware(OIDCAuthConfig{
		Enabled:   true,
		IssuerURL: iss.server.URL,
		Audience:  "pgbulk",
		CAFile:    iss.caFile,
	}, nil, nil)
	require.NoError(t, err)

	var gotRole, gotSubject string
	chain := auth(DBRoleMiddleware("db_role", []string{"loader_rw"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole, _ = RoleFromContext(r.Context())
		authCtx, _ := AuthFromContext(r.Context())
		gotSubject = authCtx.Subject
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name   string
		token  string
		status int
		role   string
	}{
		{name: "allowed role", token: iss.mint(t, iss.key, jwt.MapClaims{"db_role": "loader_rw"}), status: http.StatusOK, role: "loader_rw"},
		{name: "role outside allow list", token: iss.mint(t, iss.key, jwt.MapClaims{"db_role": "postgres"}), status: http.StatusForbidden},
		{name: "missing role claim", token: iss.mint(t, iss.key, nil), status: http.StatusForbidden},
		{name: "expired", token: iss.mint(t, iss.key, jwt.MapClaims{"db_role": "loader_rw", "exp": time.Now().Add(-time.Hour).Unix()}), status: http.StatusUnauthorized},
		{name: "wrong audience", token: iss.mint(t, iss.key, jwt.MapClaims{"db_role": "loader_rw", "aud": "someone-else"}), status: http.StatusUnauthorized},
		{name: "foreign signing key", token: iss.mint(t, otherKey, jwt.MapClaims{"db_role": "loader_rw"}), status: http.StatusUnauthorized},
		{name: "no token", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRole, gotSubject = "", ""
			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.role, gotRole)
			if tt.status == http.StatusOK {
				assert.Equal(t, "loader", gotSubject)
			}
		})
	}
}
