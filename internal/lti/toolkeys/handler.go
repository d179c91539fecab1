package toolkeys

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Handler serves the tool's public keys at /.well-known/jwks.json with
// conditional-GET support.
type Handler struct {
	Manager *Manager

	// CacheMaxAge controls the Cache-Control header. Default 10 minutes.
	CacheMaxAge time.Duration
}

func (h *Handler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Manager == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	keys, err := h.Manager.PublicJWKS(r.Context())
	if err != nil {
		http.Error(w, "jwks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"keys": keys})
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	sum := sha256.Sum256(payload)
	etag := `W/"` + b64url(sum[:]) + `"`
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
