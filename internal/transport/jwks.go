package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxJWKSBytes = 1 << 20

// jsonWebKey holds the JWK members needed for RSA and EC signature keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, errors.New("exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := namedCurve(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(member, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %s", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func namedCurve(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
}

// JWKSClient keeps the identity provider's signing keys. Keys are cached
// for ttl; an unknown kid triggers a refetch at most once per minRefresh.
// When the provider is unreachable, previously fetched keys keep working.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	fetchMu sync.Mutex

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewJWKSClient creates a client for the key set published at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

// GetKey returns the public key for kid.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	return c.Key(context.Background(), kid)
}

// Key returns the public key for kid, fetching the key set when the cache
// is stale or does not know kid.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, ok, fresh := c.cached(kid)
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			c.logger.Warn("jwks refresh failed, using cached key",
				zap.String("kid", kid),
				zap.Error(err),
			)
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	if key, ok, _ = c.cached(kid); !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

// HealthCheck succeeds while a fresh key set is cached, otherwise it
// fetches one.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.keys) > 0 && time.Since(c.fetched) <= c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.refresh(ctx)
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, ok, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	return key, ok, time.Since(c.fetched) <= c.ttl
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// A concurrent caller may have fetched while this one waited.
	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.fetched) < c.minRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.keys = keys
	c.fetched = time.Now()
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}
