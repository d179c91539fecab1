package http_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	api "github.com/courseloop/courseloop/internal/api/http"
	"github.com/courseloop/courseloop/internal/lti/engine"
	"github.com/courseloop/courseloop/internal/lti/keyset"
	"github.com/courseloop/courseloop/internal/lti/launchstate"
	"github.com/courseloop/courseloop/internal/lti/toolkeys"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

const (
	testIssuer   = "https://lms.example.edu"
	testClientID = "client-abc"
	testRedirect = "https://tool.example.com/lti/launch"
	testKID      = "kid-1"
)

type serverFixture struct {
	handler  http.Handler
	registry *trust.MemRegistry
	launches *launchstate.MemStore
	key      *rsa.PrivateKey
	now      time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	enc := base64.RawURLEncoding
	jwksBody, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA", "use": "sig", "alg": "RS256", "kid": testKID,
			"n": enc.EncodeToString(key.PublicKey.N.Bytes()),
			"e": enc.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jwksBody)
	}))
	t.Cleanup(jwksSrv.Close)

	registry := trust.NewMemRegistry(nil)
	ctx := context.Background()
	_, err = registry.RegisterPlatform(ctx, trust.PlatformRegistration{
		Issuer:        testIssuer,
		ClientID:      testClientID,
		JWKSURL:       jwksSrv.URL,
		AuthEndpoint:  testIssuer + "/auth",
		TokenEndpoint: testIssuer + "/token",
	})
	require.NoError(t, err)
	_, err = registry.RegisterTool(ctx, trust.ToolRegistration{
		ClientID:     testClientID,
		Name:         "Quiz Tool",
		RedirectURIs: []string{testRedirect},
	})
	require.NoError(t, err)

	keys := keyset.New()
	t.Cleanup(keys.Close)

	f := &serverFixture{registry: registry, launches: launchstate.NewMemStore(), key: key, now: time.Now()}
	f.launches.NowFunc = func() time.Time { return f.now }
	eng := &engine.Engine{
		Trust:    registry,
		Keys:     keys,
		Launches: f.launches,
		NowFunc:  func() time.Time { return f.now },
	}
	f.handler = api.NewRouter(api.Deps{
		Engine:   eng,
		Registry: registry,
		ToolKeys: &toolkeys.Manager{Storage: toolkeys.NewMemStorage()},
	})
	return f
}

func (f *serverFixture) doLogin(t *testing.T) (state, nonce string) {
	t.Helper()
	form := url.Values{}
	form.Set("iss", testIssuer)
	form.Set("client_id", testClientID)
	form.Set("login_hint", "hint-1")
	form.Set("target_link_uri", "https://tool.example.com/assignments/42")

	req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testIssuer+"/auth", loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, "https://tool.example.com/assignments/42", loc.Query().Get("target_link_uri"))
	return loc.Query().Get("state"), loc.Query().Get("nonce")
}

func (f *serverFixture) idToken(t *testing.T, nonce string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "platform-user-7",
		"iat":   f.now.Unix(),
		"exp":   f.now.Add(5 * time.Minute).Unix(),
		"nonce": nonce,
		"https://purl.imsglobal.org/spec/lti/claim/message_type":  "LtiResourceLinkRequest",
		"https://purl.imsglobal.org/spec/lti/claim/version":       "1.3.0",
		"https://purl.imsglobal.org/spec/lti/claim/deployment_id": "dep-1",
	})
	tok.Header["kid"] = testKID
	raw, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return raw
}

func (f *serverFixture) postCallback(t *testing.T, state, idToken string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("state", state)
	form.Set("id_token", idToken)
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginThenCallbackRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	state, nonce := f.doLogin(t)

	rec := f.postCallback(t, state, f.idToken(t, nonce))
	require.Equal(t, http.StatusOK, rec.Code)

	var lc engine.LaunchContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lc))
	require.Equal(t, testIssuer, lc.Issuer)
	require.Equal(t, "platform-user-7", lc.UserID)
	require.Equal(t, "dep-1", lc.DeploymentID)
}

func TestLoginRejectsUnknownIssuer(t *testing.T) {
	f := newServerFixture(t)
	form := url.Values{}
	form.Set("iss", "https://rogue.example.edu")
	form.Set("client_id", testClientID)
	form.Set("login_hint", "hint")

	req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackStatusMapping(t *testing.T) {
	f := newServerFixture(t)

	// Unknown state is a 400.
	rec := f.postCallback(t, "never-issued", "token")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Bad signature is a 401 and the launch fails.
	state, nonce := f.doLogin(t)
	rogue, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer, "aud": testClientID, "sub": "u",
		"iat": f.now.Unix(), "exp": f.now.Add(5 * time.Minute).Unix(), "nonce": nonce,
	})
	tok.Header["kid"] = testKID
	badToken, err := tok.SignedString(rogue)
	require.NoError(t, err)
	rec = f.postCallback(t, state, badToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Replaying the callback of a completed launch is a nonce replay, a
	// 401.
	state, nonce = f.doLogin(t)
	good := f.idToken(t, nonce)
	require.Equal(t, http.StatusOK, f.postCallback(t, state, good).Code)
	require.Equal(t, http.StatusUnauthorized, f.postCallback(t, state, good).Code)

	// A callback after expiry is a 410.
	state, nonce = f.doLogin(t)
	good = f.idToken(t, nonce)
	f.now = f.now.Add(time.Hour)
	require.Equal(t, http.StatusGone, f.postCallback(t, state, good).Code)
}

func TestJWKSEndpointServesToolKeys(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/jwk-set+json", rec.Header().Get("Content-Type"))
}

func TestAdminPlatformAndToolCRUD(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]any{
		"issuer":         "https://lms2.example.edu",
		"client_id":      "client-xyz",
		"jwks_url":       "https://lms2.example.edu/jwks",
		"auth_endpoint":  "https://lms2.example.edu/auth",
		"token_endpoint": "https://lms2.example.edu/token",
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/platforms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created trust.Platform
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// Duplicate registration conflicts.
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/platforms", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/platforms/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Suspend the seeded tool through the API.
	tool, err := f.registry.LookupTool(context.Background(), testClientID)
	require.NoError(t, err)
	statusBody := []byte(`{"status":"SUSPENDED"}`)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/tools/"+tool.ID+"/status", bytes.NewReader(statusBody)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := f.registry.LookupTool(context.Background(), testClientID)
	require.NoError(t, err)
	require.Equal(t, trust.ToolSuspended, got.Status)

	// Suspended tools cannot start launches.
	form := url.Values{}
	form.Set("iss", testIssuer)
	form.Set("client_id", testClientID)
	form.Set("login_hint", "hint")
	loginReq := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, loginReq)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
