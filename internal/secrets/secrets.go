package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"chimera/internal/keyspace"
	"chimera/internal/store"
)

// ErrNotFound is returned when a secret is absent from the provider.
var ErrNotFound = errors.New("secret not found")

// Provider resolves named secrets. Values never appear in logs or the
// decision stream; callers hold them only as long as needed.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// GetRequired resolves a secret and turns absence into a descriptive error.
func GetRequired(ctx context.Context, p Provider, name string) (string, error) {
	v, err := p.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("required secret %s is not configured", name)
	}
	return v, err
}

// EnvProvider reads secrets from process environment variables. A secret
// named "twitter_api_key" maps to CHIMERA_SECRET_TWITTER_API_KEY.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider returns an EnvProvider with the standard prefix.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Prefix: "CHIMERA_SECRET_"}
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	key := p.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// StoreProvider reads secrets from the shared KV store under the tenant's
// secret namespace, caching hits for a bounded interval so hot paths do not
// hammer the store. Rotation takes effect within one cache interval.
type StoreProvider struct {
	store store.Store
	keys  keyspace.Keyspace
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	expires time.Time
}

// NewStoreProvider builds a StoreProvider with the given cache TTL.
func NewStoreProvider(s store.Store, keys keyspace.Keyspace, ttl time.Duration) *StoreProvider {
	return &StoreProvider{
		store: s,
		keys:  keys,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cached),
	}
}

func (p *StoreProvider) Get(ctx context.Context, name string) (string, error) {
	now := p.now()
	p.mu.Lock()
	if c, ok := p.cache[name]; ok && now.Before(c.expires) {
		p.mu.Unlock()
		return c.value, nil
	}
	p.mu.Unlock()

	v, err := p.store.Get(ctx, p.keys.Secret("", name))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	value := string(v.Value)
	p.mu.Lock()
	p.cache[name] = cached{value: value, expires: now.Add(p.ttl)}
	p.mu.Unlock()
	return value, nil
}
