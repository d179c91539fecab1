package keyset_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courseloop/courseloop/internal/lti/keyset"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func jwksDoc(t *testing.T, kids map[string]*rsa.PublicKey) []byte {
	t.Helper()
	var keys []map[string]any
	for kid, pub := range kids {
		keys = append(keys, map[string]any{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   b64(pub.N.Bytes()),
			"e":   b64(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	doc, err := json.Marshal(map[string]any{"keys": keys})
	require.NoError(t, err)
	return doc
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func testPlatform(jwksURL string) trust.Platform {
	return trust.Platform{
		ID:      "plat-1",
		Issuer:  "https://lms.example.edu",
		JWKSURL: jwksURL,
	}
}

func TestSigningKeyCachesAcrossLookups(t *testing.T) {
	priv := newKey(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(jwksDoc(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey}))
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()
	platform := testPlatform(srv.URL)

	for i := 0; i < 5; i++ {
		key, err := s.SigningKey(context.Background(), platform, "kid-1")
		require.NoError(t, err)
		require.Equal(t, 0, key.N.Cmp(priv.PublicKey.N))
	}
	require.Equal(t, int32(1), fetches.Load(), "warm cache must not refetch")
}

func TestUnknownKidForcesOneRefresh(t *testing.T) {
	old := newKey(t)
	rotated := newKey(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := fetches.Add(1)
		kids := map[string]*rsa.PublicKey{"kid-old": &old.PublicKey}
		if n > 1 {
			kids["kid-new"] = &rotated.PublicKey
		}
		_, _ = w.Write(jwksDoc(t, kids))
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()
	platform := testPlatform(srv.URL)

	_, err := s.SigningKey(context.Background(), platform, "kid-old")
	require.NoError(t, err)

	// kid-new is missing from the cached set, so the store refreshes
	// once and finds the rotated key.
	key, err := s.SigningKey(context.Background(), platform, "kid-new")
	require.NoError(t, err)
	require.Equal(t, 0, key.N.Cmp(rotated.PublicKey.N))
	require.Equal(t, int32(2), fetches.Load())
}

func TestKidAbsentAfterRefreshIsUnknownSigningKey(t *testing.T) {
	priv := newKey(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(jwksDoc(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey}))
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()

	_, err := s.SigningKey(context.Background(), testPlatform(srv.URL), "kid-ghost")
	require.ErrorIs(t, err, keyset.ErrUnknownSigningKey)
	require.Equal(t, int32(1), fetches.Load(), "exactly one forced refresh per attempt")
}

func TestServerErrorIsRetriableFetchFailure(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()

	_, err := s.SigningKey(context.Background(), testPlatform(srv.URL), "kid-1")
	require.ErrorIs(t, err, keyset.ErrJWKSFetch)
	require.NotErrorIs(t, err, keyset.ErrUnknownSigningKey)
	require.Equal(t, int32(2), fetches.Load(), "5xx gets one retry")
}

func TestMalformedJWKSIsNotRetried(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()

	_, err := s.SigningKey(context.Background(), testPlatform(srv.URL), "kid-1")
	require.ErrorIs(t, err, keyset.ErrJWKSFetch)
	require.Equal(t, int32(1), fetches.Load(), "parse failures must not retry")
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	priv := newKey(t)
	var fetches atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		<-release
		_, _ = w.Write(jwksDoc(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey}))
	}))
	defer srv.Close()

	s := keyset.New(keyset.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	defer s.Close()
	platform := testPlatform(srv.URL)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SigningKey(context.Background(), platform, "kid-1")
		}(i)
	}
	// Give the goroutines time to pile onto the in-flight fetch.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), fetches.Load(), "concurrent misses must coalesce")
}

func TestContextCancellationSurfacesAsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := keyset.New()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.SigningKey(ctx, testPlatform(srv.URL), "kid-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, keyset.ErrJWKSFetch))
}

func TestCanceledCallerDoesNotFailSharedFetch(t *testing.T) {
	priv := newKey(t)
	var fetches atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		<-release
		_, _ = w.Write(jwksDoc(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey}))
	}))
	defer srv.Close()

	s := keyset.New(keyset.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	defer s.Close()
	platform := testPlatform(srv.URL)

	// First caller starts the fetch and gives up almost immediately.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	firstDone := make(chan error, 1)
	go func() {
		_, err := s.SigningKey(shortCtx, platform, "kid-1")
		firstDone <- err
	}()

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SigningKey(context.Background(), platform, "kid-1")
		}(i)
	}

	firstErr := <-firstDone
	require.True(t, errors.Is(firstErr, keyset.ErrJWKSFetch))

	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err, "waiters must survive the first caller's cancellation")
	}
	require.LessOrEqual(t, fetches.Load(), int32(2))
}
