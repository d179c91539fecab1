package services_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/courseloop/courseloop/internal/lti/services"
	"github.com/courseloop/courseloop/internal/lti/toolkeys"
)

func TestTokenSendsPrivateKeyJWTAssertion(t *testing.T) {
	keys := &toolkeys.Manager{Storage: toolkeys.NewMemStorage()}

	var tokenURL string
	var grants atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grants.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer",
			r.PostForm.Get("client_assertion_type"))
		require.Equal(t, services.ScopeScore, r.PostForm.Get("scope"))

		// The assertion must verify against the tool's published keys
		// and carry iss == sub == client_id, aud == token endpoint.
		assertion := r.PostForm.Get("client_assertion")
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(assertion, claims, func(tok *jwt.Token) (interface{}, error) {
			kid, _ := tok.Header["kid"].(string)
			return publishedKey(t, keys, kid), nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		require.Equal(t, "client-abc", claims["iss"])
		require.Equal(t, "client-abc", claims["sub"])
		require.Equal(t, tokenURL, claims["aud"])
		require.NotEmpty(t, claims["jti"])

		writeTokenResponse(w, "tok-1", 3600)
	}))
	defer srv.Close()
	tokenURL = srv.URL

	ts := &services.TokenSource{ClientID: "client-abc", Keys: keys}
	tok, err := ts.Token(context.Background(), tokenURL, []string{services.ScopeScore})
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.Equal(t, int32(1), grants.Load())
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	keys := &toolkeys.Manager{Storage: toolkeys.NewMemStorage()}
	var grants atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		grants.Add(1)
		writeTokenResponse(w, "tok-cached", 3600)
	}))
	defer srv.Close()

	ts := &services.TokenSource{ClientID: "client-abc", Keys: keys}
	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background(), srv.URL, []string{services.ScopeLineItem})
		require.NoError(t, err)
		require.Equal(t, "tok-cached", tok)
	}
	require.Equal(t, int32(1), grants.Load(), "cached token must be reused")

	// A different scope set is a different grant.
	_, err := ts.Token(context.Background(), srv.URL, []string{services.ScopeMemberships})
	require.NoError(t, err)
	require.Equal(t, int32(2), grants.Load())
}

func TestTokenEndpointFailureSurfaces(t *testing.T) {
	keys := &toolkeys.Manager{Storage: toolkeys.NewMemStorage()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	ts := &services.TokenSource{ClientID: "client-abc", Keys: keys}
	_, err := ts.Token(context.Background(), srv.URL, []string{services.ScopeScore})
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func writeTokenResponse(w http.ResponseWriter, token string, expiresIn int64) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func publishedKey(t *testing.T, m *toolkeys.Manager, kid string) *rsa.PublicKey {
	t.Helper()
	jwks, err := m.PublicJWKS(context.Background())
	require.NoError(t, err)
	for _, k := range jwks {
		if k["kid"] == kid {
			nb, err := base64.RawURLEncoding.DecodeString(k["n"].(string))
			require.NoError(t, err)
			eb, err := base64.RawURLEncoding.DecodeString(k["e"].(string))
			require.NoError(t, err)
			e := 0
			for _, b := range eb {
				e = (e << 8) | int(b)
			}
			return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}
		}
	}
	t.Fatalf("kid %s not published", kid)
	return nil
}
