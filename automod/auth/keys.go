package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

type KeySource interface {
	PublicKey(ctx context.Context, kid string) (any, error)
}

// Fixed key set, eg from a file, or in tests.
type SetKeySource struct {
	Set jwk.Set
}

func (s *SetKeySource) PublicKey(ctx context.Context, kid string) (any, error) {
	return rawKey(s.Set, kid)
}

// Key set fetched from a JWKS URL and refreshed in the background.
type JWKSKeySource struct {
	URL   string
	cache *jwk.Cache
}

// The cache's refresh goroutine lives as long as ctx.
func NewJWKSKeySource(ctx context.Context, url string, client *http.Client, refresh time.Duration) (*JWKSKeySource, error) {
	c := jwk.NewCache(ctx)
	if err := c.Register(url, jwk.WithHTTPClient(client), jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, err
	}
	// fail at startup, not on the first request
	if _, err := c.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", url, err)
	}
	return &JWKSKeySource{URL: url, cache: c}, nil
}

func (s *JWKSKeySource) PublicKey(ctx context.Context, kid string) (any, error) {
	set, err := s.cache.Get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	key, err := rawKey(set, kid)
	if err == nil {
		return key, nil
	}
	// key rotation: refetch once on an unknown kid
	set, rerr := s.cache.Refresh(ctx, s.URL)
	if rerr != nil {
		return nil, err
	}
	return rawKey(set, kid)
}

func rawKey(set jwk.Set, kid string) (any, error) {
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("no key found for kid %q", kid)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("decoding key %q: %w", kid, err)
	}
	return raw, nil
}
