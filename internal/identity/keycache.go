package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type keyEntry struct {
	key     *[32]byte
	expires time.Time
}

// CachingKeyProvider wraps another KeyProvider with a TTL-based in-memory
// cache so repeated inbound events from the same pod do not refetch keys.
type CachingKeyProvider struct {
	base KeyProvider
	ttl  time.Duration

	mu    sync.RWMutex
	items map[string]keyEntry
}

// NewCachingKeyProvider returns a KeyProvider that caches lookups for the
// provided TTL.
func NewCachingKeyProvider(base KeyProvider, ttl time.Duration) *CachingKeyProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingKeyProvider{
		base:  base,
		ttl:   ttl,
		items: make(map[string]keyEntry),
	}
}

// PublicKey returns the cached key when available, otherwise it delegates
// to the underlying provider and stores the result.
func (c *CachingKeyProvider) PublicKey(ctx context.Context, host string) (*[32]byte, error) {
	if c == nil || c.base == nil {
		return nil, ErrUnknownPeer
	}

	now := time.Now()

	c.mu.RLock()
	entry, ok := c.items[host]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.key, nil
	}

	key, err := c.base.PublicKey(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items[host] = keyEntry{key: key, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return key, nil
}

// HTTPKeyProvider fetches a pod's public key from its key endpoint.
type HTTPKeyProvider struct {
	Client *http.Client
	Scheme string
}

// NewHTTPKeyProvider constructs a key fetcher with a bounded timeout.
func NewHTTPKeyProvider(timeout time.Duration) *HTTPKeyProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPKeyProvider{
		Client: &http.Client{Timeout: timeout},
		Scheme: "http",
	}
}

// PublicKey fetches GET /api/v1/pods/key from the remote pod.
func (p *HTTPKeyProvider) PublicKey(ctx context.Context, host string) (*[32]byte, error) {
	url := fmt.Sprintf("%s://%s/api/v1/pods/key", p.Scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pod key %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch pod key %s: status %d", host, resp.StatusCode)
	}

	var payload struct {
		Host      string `json:"host"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode pod key %s: %w", host, err)
	}

	return ParsePublicKey(payload.PublicKey)
}

var _ KeyProvider = (*CachingKeyProvider)(nil)
var _ KeyProvider = (*HTTPKeyProvider)(nil)
