package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/courseloop/courseloop/internal/lti/trust"
)

var (
	// ErrUnknownSigningKey means the platform's JWKS was fetched and the
	// requested kid still is not in it. A cryptographic trust problem.
	ErrUnknownSigningKey = errors.New("keyset: unknown signing key")
	// ErrJWKSFetch means the JWKS could not be retrieved or parsed.
	// Infrastructure, not cryptography; callers may retry the launch.
	ErrJWKSFetch = errors.New("keyset: jwks fetch failed")
)

const (
	defaultTTL          = time.Hour
	defaultFetchTimeout = 5 * time.Second
)

// keySet is one platform's parsed JWKS, keyed by kid.
type keySet struct {
	byKID map[string]*rsa.PublicKey
}

// Store caches each registered platform's JWKS. Lookups on the launch
// hot path hit the cache; a miss or an unknown kid triggers at most one
// network fetch per verification attempt, deduplicated across
// concurrent callers so a key-rotation event cannot stampede the
// platform's JWKS endpoint.
type Store struct {
	httpClient *http.Client
	ttl        time.Duration
	log        *logrus.Logger

	cache *ttlcache.Cache[string, *keySet]
	group singleflight.Group
}

type Option func(*Store)

func WithHTTPClient(c *http.Client) Option { return func(s *Store) { s.httpClient = c } }
func WithTTL(d time.Duration) Option       { return func(s *Store) { s.ttl = d } }
func WithLogger(l *logrus.Logger) Option   { return func(s *Store) { s.log = l } }

func New(opts ...Option) *Store {
	s := &Store{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		ttl:        defaultTTL,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.cache = ttlcache.New[string, *keySet](
		ttlcache.WithTTL[string, *keySet](s.ttl),
		ttlcache.WithDisableTouchOnHit[string, *keySet](),
	)
	go s.cache.Start()
	return s
}

// Close stops the cache's expiration loop.
func (s *Store) Close() {
	s.cache.Stop()
}

// SigningKey returns the public key material for kid as published by the
// platform. On a cache miss or an unknown kid it performs exactly one
// JWKS fetch, replaces the cached set, and retries the lookup once.
func (s *Store) SigningKey(ctx context.Context, platform trust.Platform, kid string) (*rsa.PublicKey, error) {
	if item := s.cache.Get(platform.ID); item != nil {
		if key, ok := item.Value().byKID[kid]; ok {
			return key, nil
		}
		// Warm cache without this kid: likely a rotation on the platform
		// side, so fall through to a forced refresh.
	}

	set, err := s.refresh(ctx, platform)
	if err != nil {
		return nil, err
	}
	if key, ok := set.byKID[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q for %s", ErrUnknownSigningKey, kid, platform.Issuer)
}

// refresh fetches and caches the platform's JWKS. Concurrent callers for
// the same platform share a single in-flight fetch. The fetch itself runs
// on a detached context with its own budget, so one canceled caller
// cannot fail the waiters sharing the flight; each caller still stops
// waiting when its own ctx ends.
func (s *Store) refresh(ctx context.Context, platform trust.Platform) (*keySet, error) {
	ch := s.group.DoChan(platform.ID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchBudget())
		defer cancel()
		set, err := s.fetch(fctx, platform)
		if err != nil {
			return nil, err
		}
		s.cache.Set(platform.ID, set, ttlcache.DefaultTTL)
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.log.WithField("platform", platform.Issuer).Debug("jwks fetch deduplicated")
		}
		return res.Val.(*keySet), nil
	}
}

// fetchBudget bounds the detached fetch: two attempts plus the retry
// backoff.
func (s *Store) fetchBudget() time.Duration {
	per := s.httpClient.Timeout
	if per <= 0 {
		per = defaultFetchTimeout
	}
	return 2*per + 200*time.Millisecond
}

// fetch retrieves the JWKS over HTTP with a single retry on transport
// errors. Parse failures are not retried.
func (s *Store) fetch(ctx context.Context, platform trust.Platform) (*keySet, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
			}
		}
		set, retriable, err := s.fetchOnce(ctx, platform)
		if err == nil {
			return set, nil
		}
		lastErr = err
		if !retriable {
			break
		}
		s.log.WithError(err).WithField("platform", platform.Issuer).Warn("jwks fetch retrying")
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrJWKSFetch, platform.JWKSURL, lastErr)
}

func (s *Store) fetchOnce(ctx context.Context, platform trust.Platform) (set *keySet, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, platform.JWKSURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, resp.StatusCode >= 500, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	parsed, err := parseJWKS(body)
	if err != nil {
		return nil, false, err
	}
	return parsed, false, nil
}

// jwk is the subset of RFC 7517 this engine verifies with. Only RSA
// signature keys are accepted; LTI 1.3 platforms sign id_tokens RS256.
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

func parseJWKS(body []byte) (*keySet, error) {
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	set := &keySet{byKID: make(map[string]*rsa.PublicKey, len(doc.Keys))}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaPublicKey(k)
		if err != nil {
			continue
		}
		set.byKID[k.Kid] = pub
	}
	if len(set.byKID) == 0 {
		return nil, errors.New("jwks contains no usable RSA signature keys")
	}
	return set, nil
}

func rsaPublicKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
