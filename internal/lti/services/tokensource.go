// Package services holds the tool-side clients for the LTI Advantage
// services a platform advertises on a launch: Assignment and Grade
// Services (AGS) and Names and Role Provisioning (NRPS). Access tokens
// are obtained with the client_credentials grant using a
// private_key_jwt assertion signed by the tool's key manager.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/courseloop/courseloop/internal/lti/toolkeys"
)

const (
	grantClientCredentials = "client_credentials"
	assertionTypeJWT       = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime      = 5 * time.Minute
)

// IMS scope URIs.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadonly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadonly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
	ScopeMemberships      = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
)

type cachedToken struct {
	value   string
	expires time.Time
}

// TokenSource mints and caches platform access tokens for a single
// client_id. Tokens are cached per (token_url, scope set) until shortly
// before expiry.
type TokenSource struct {
	ClientID string
	Keys     *toolkeys.Manager
	HTTP     *http.Client
	NowFunc  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

func (ts *TokenSource) now() time.Time {
	if ts.NowFunc != nil {
		return ts.NowFunc()
	}
	return time.Now()
}

func (ts *TokenSource) httpClient() *http.Client {
	if ts.HTTP != nil {
		return ts.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Token returns a bearer token for the given token endpoint and scopes.
func (ts *TokenSource) Token(ctx context.Context, tokenURL string, scopes []string) (string, error) {
	key := cacheKey(tokenURL, scopes)
	now := ts.now()

	ts.mu.Lock()
	if tok, ok := ts.cache[key]; ok && now.Before(tok.expires) {
		ts.mu.Unlock()
		return tok.value, nil
	}
	ts.mu.Unlock()

	assertion, err := ts.assertion(ctx, tokenURL, now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", grantClientCredentials)
	form.Set("client_assertion_type", assertionTypeJWT)
	form.Set("client_assertion", assertion)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned %d: %s", tokenURL, resp.StatusCode, truncate(body, 256))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint %s returned no access_token", tokenURL)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	ts.mu.Lock()
	if ts.cache == nil {
		ts.cache = make(map[string]cachedToken)
	}
	// Refresh a minute early so in-flight requests never carry a token
	// about to expire.
	ts.cache[key] = cachedToken{value: tr.AccessToken, expires: now.Add(ttl - time.Minute)}
	ts.mu.Unlock()

	return tr.AccessToken, nil
}

// assertion builds the private_key_jwt: iss and sub are the client_id,
// aud is the token endpoint.
func (ts *TokenSource) assertion(ctx context.Context, tokenURL string, now time.Time) (string, error) {
	if ts.Keys == nil {
		return "", fmt.Errorf("tokensource: key manager not configured")
	}
	claims := jwt.MapClaims{
		"iss": ts.ClientID,
		"sub": ts.ClientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	}
	return ts.Keys.Sign(ctx, claims)
}

func cacheKey(tokenURL string, scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return tokenURL + "|" + strings.Join(s, " ")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
