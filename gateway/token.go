package gateway

import (
	"context"
	"sync"
	"time"
)

type fetchFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// tokenCache holds one bearer token. A token within margin of its expiry is
// treated as expired. The lock is never held while fetching.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	margin    time.Duration
	now       func() time.Time
}

func newTokenCache(margin time.Duration) *tokenCache {
	return &tokenCache{margin: margin, now: time.Now}
}

func (c *tokenCache) get(ctx context.Context, fetch fetchFunc) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Add(c.margin).Before(c.expiresAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, expiresIn, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.expiresAt = c.now().Add(expiresIn)
	c.mu.Unlock()

	return token, nil
}

func (c *tokenCache) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
