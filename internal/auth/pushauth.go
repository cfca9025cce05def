package auth

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// PushVerifier validates the OIDC bearer token the provider's relay attaches
// to push callbacks. JWKS keys are cached and refreshed in the background so
// verification on the hot path never does network I/O.
type PushVerifier struct {
	jwksURL    string
	audience   string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   gosync.RWMutex
	refreshTTL time.Duration
}

// NewPushVerifier creates a verifier against the given JWKS endpoint.
// audience, when non-empty, must match the token's aud claim (it is the
// push endpoint URL configured on the subscription).
func NewPushVerifier(jwksURL, audience string) (*PushVerifier, error) {
	v := &PushVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMu.Lock()
			v.keySet = keySet
			v.keySetMu.Unlock()
		}
		// Retry on the next tick.
	}
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// VerifyRequest checks the request's bearer token signature, expiry and
// audience against the cached key set.
func (v *PushVerifier) VerifyRequest(r *http.Request) error {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	if _, err := jwt.ParseRequest(r, opts...); err != nil {
		return fmt.Errorf("verify push token: %w", err)
	}
	return nil
}
