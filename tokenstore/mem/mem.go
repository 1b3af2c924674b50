package mem

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/korylprince/ios-app-inventory/tokenstore"
)

const tokenSize = 32

// TokenStore implements TokenStore completely in memory and uses an LRU cache to limit memory usage
type TokenStore struct {
	tokens *ttlcache.Cache
}

// New returns a new TokenStore with the given cache size (item count) and item ttl
func New(size int, ttl time.Duration) *TokenStore {
	c := ttlcache.NewCache()
	c.SetCacheSizeLimit(size)
	if err := c.SetTTL(ttl); err != nil {
		panic(fmt.Errorf("could not set ttl on cache: %w", err))
	}
	c.SkipTTLExtensionOnHit(true)
	return &TokenStore{tokens: c}
}

// New generates a new random token for subject
func (t *TokenStore) New(subject string, devices []string) (token string, err error) {
	if len(devices) == 0 {
		return "", errors.New("could not generate token: no devices")
	}

	tok := make([]byte, tokenSize)
	if _, err := rand.Read(tok); err != nil {
		return "", fmt.Errorf("could not generate token: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(tok)

	grant := &tokenstore.Grant{Subject: subject, Devices: append([]string(nil), devices...)}
	if err := t.tokens.Set(token, grant); err != nil {
		return "", fmt.Errorf("could not set token: %w", err)
	}
	return token, nil
}

// Authenticate authenticates the token and returns the associated grant
func (t *TokenStore) Authenticate(token string) (*tokenstore.Grant, error) {
	grant, err := t.tokens.Get(token)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return nil, &tokenstore.InvalidTokenError{Err: ttlcache.ErrNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("could not query cache: %w", err)
	}

	g := grant.(*tokenstore.Grant)
	return &tokenstore.Grant{Subject: g.Subject, Devices: append([]string(nil), g.Devices...)}, nil
}

// Close stops the cache's expiration goroutine
func (t *TokenStore) Close() error {
	return t.tokens.Close()
}
