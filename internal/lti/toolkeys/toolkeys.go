// Package toolkeys manages the tool's own RSA signing keys: the ones
// used for client_credentials assertions toward platform services and
// published at the tool's JWKS endpoint so platforms can verify them.
package toolkeys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoActiveKey = errors.New("toolkeys: no active signing key")

// KeyRecord is one RSA signing key with its lifecycle window.
type KeyRecord struct {
	KID       string
	CreatedAt time.Time
	NotBefore time.Time
	NotAfter  time.Time

	Private *rsa.PrivateKey
}

func (k KeyRecord) active(now time.Time) bool {
	return !now.Before(k.NotBefore) && now.Before(k.NotAfter)
}

// PublicJWK returns the RFC 7517 public view of the key.
func (k KeyRecord) PublicJWK() map[string]any {
	if k.Private == nil {
		return nil
	}
	pub := &k.Private.PublicKey
	return map[string]any{
		"kty":     "RSA",
		"kid":     k.KID,
		"alg":     "RS256",
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       b64url(pub.N.FillBytes(make([]byte, (pub.N.BitLen()+7)/8))),
		"e":       b64url(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// Storage persists tool keys. MemStorage serves dev and tests; wire a
// durable implementation for production.
type Storage interface {
	List(ctx context.Context) ([]KeyRecord, error)
	Save(ctx context.Context, rec KeyRecord) error
	Get(ctx context.Context, kid string) (KeyRecord, error)
}

// MemStorage is a process-local Storage.
type MemStorage struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewMemStorage() *MemStorage {
	return &MemStorage{keys: make(map[string]KeyRecord)}
}

func (s *MemStorage) List(_ context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemStorage) Save(_ context.Context, rec KeyRecord) error {
	if rec.KID == "" {
		return errors.New("toolkeys: kid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.KID] = rec
	return nil
}

func (s *MemStorage) Get(_ context.Context, kid string) (KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[kid]
	if !ok {
		return KeyRecord{}, fmt.Errorf("toolkeys: key %s not found", kid)
	}
	return rec, nil
}

// Manager generates, rotates and signs with the tool's RSA keys.
// Expired keys stay visible in the JWKS for Overlap past NotAfter so
// platforms can still verify assertions signed near rotation.
type Manager struct {
	Storage Storage

	RSAKeyBits       int           // default 2048
	RotationInterval time.Duration // default 90 days
	Overlap          time.Duration // default 7 days

	NowFunc func() time.Time

	mu sync.Mutex
}

func (m *Manager) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now()
}

func (m *Manager) bits() int {
	if m.RSAKeyBits > 0 {
		return m.RSAKeyBits
	}
	return 2048
}

func (m *Manager) rotateEvery() time.Duration {
	if m.RotationInterval > 0 {
		return m.RotationInterval
	}
	return 90 * 24 * time.Hour
}

func (m *Manager) overlap() time.Duration {
	if m.Overlap > 0 {
		return m.Overlap
	}
	return 7 * 24 * time.Hour
}

// Sign signs claims as an RS256 JWT with the current key, setting the
// kid header. A key is generated on first use.
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	if m.Storage == nil {
		return "", errors.New("toolkeys: storage not configured")
	}
	rec, err := m.currentKey(ctx)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = rec.KID
	return tok.SignedString(rec.Private)
}

// PublicJWKS returns the publishable key set: every key whose window,
// extended by the overlap, still covers now.
func (m *Manager) PublicJWKS(ctx context.Context) ([]map[string]any, error) {
	if m.Storage == nil {
		return nil, errors.New("toolkeys: storage not configured")
	}
	keys, err := m.Storage.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		if now.Before(k.NotBefore) || now.After(k.NotAfter.Add(m.overlap())) {
			continue
		}
		if jwk := k.PublicJWK(); jwk != nil {
			out = append(out, jwk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, _ := out[i]["kid"].(string)
		kj, _ := out[j]["kid"].(string)
		return ki > kj
	})
	return out, nil
}

func (m *Manager) currentKey(ctx context.Context) (KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.Storage.List(ctx)
	if err != nil {
		return KeyRecord{}, err
	}
	now := m.now()
	for i := range keys {
		if keys[i].active(now) && now.Add(m.overlap()).Before(keys[i].NotAfter) {
			return keys[i], nil
		}
	}

	rec, err := m.generate(now)
	if err != nil {
		return KeyRecord{}, err
	}
	if err := m.Storage.Save(ctx, rec); err != nil {
		return KeyRecord{}, err
	}
	return rec, nil
}

func (m *Manager) generate(now time.Time) (KeyRecord, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.bits())
	if err != nil {
		return KeyRecord{}, fmt.Errorf("toolkeys: rsa generate: %w", err)
	}
	return KeyRecord{
		KID:       makeKID(&priv.PublicKey),
		CreatedAt: now,
		NotBefore: now,
		NotAfter:  now.Add(m.rotateEvery()),
		Private:   priv,
	}, nil
}

// makeKID derives a stable key id from the public modulus.
func makeKID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return "rsa-" + b64url(sum[:8])
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
