package middleware

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"realtime_server/pkg/apperr"
	"realtime_server/pkg/httputil"
	"realtime_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n,omitempty"`   // RSA modulus
	E   string `json:"e,omitempty"`   // RSA exponent
	Crv string `json:"crv,omitempty"` // EC curve
	X   string `json:"x,omitempty"`   // EC x coordinate
	Y   string `json:"y,omitempty"`   // EC y coordinate
}

// JWKSCache caches the Supabase signing keys with TTL
type JWKSCache struct {
	mu          sync.RWMutex
	jwks        *JWKS
	fetchedAt   time.Time
	attemptedAt time.Time
	ttl         time.Duration
	minRefresh  time.Duration
	url         string
	client      *http.Client
	now         func() time.Time

	group singleflight.Group
}

// NewJWKSCache points at <supabaseURL>/auth/v1/.well-known/jwks.json.
func NewJWKSCache(supabaseURL string, client *http.Client) *JWKSCache {
	if client == nil {
		client = httputil.NewOptimizedClient(httputil.AuthClientConfig())
	}
	return &JWKSCache{
		ttl:        10 * time.Minute,
		minRefresh: time.Minute,
		url:        strings.TrimSuffix(supabaseURL, "/") + "/auth/v1/.well-known/jwks.json",
		client:     client,
		now:        time.Now,
	}
}

// GetKey retrieves a key by kid. The set is refetched when stale; an unknown
// kid forces a refetch at most once per minRefresh so rotated keys are picked
// up without letting arbitrary kids trigger outbound requests.
func (c *JWKSCache) GetKey(kid string) (*JWK, error) {
	c.mu.RLock()
	if c.jwks != nil {
		now := c.now()
		key := c.find(kid)
		if key != nil && now.Sub(c.fetchedAt) < c.ttl {
			c.mu.RUnlock()
			return key, nil
		}
		if key == nil && now.Sub(c.attemptedAt) < c.minRefresh {
			c.mu.RUnlock()
			return nil, fmt.Errorf("key not found: %s", kid)
		}
	}
	c.mu.RUnlock()

	if _, err, _ := c.group.Do("jwks", func() (any, error) {
		return nil, c.Refresh(context.Background())
	}); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.jwks != nil {
		if key := c.find(kid); key != nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

func (c *JWKSCache) find(kid string) *JWK {
	for i := range c.jwks.Keys {
		if c.jwks.Keys[i].Kid == kid {
			key := c.jwks.Keys[i]
			return &key
		}
	}
	return nil
}

func (c *JWKSCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.attemptedAt = c.now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := httputil.DoWithContext(ctx, c.client, req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	c.mu.Lock()
	c.jwks = &jwks
	c.fetchedAt = c.now()
	c.mu.Unlock()
	logger.Debug("JWKS refreshed, %d keys loaded", len(jwks.Keys))
	return nil
}

// parseECPublicKey parses EC public key from JWK
func parseECPublicKey(jwk *JWK) (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y: %w", err)
	}

	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", jwk.Crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// parseRSAPublicKey parses RSA public key from JWK
func parseRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// AuthConfig selects how Supabase access tokens are verified. HS256 tokens
// use Secret, ES256/RS256 tokens use keys from JWKS.
type AuthConfig struct {
	Secret string
	JWKS   *JWKSCache
}

func (cfg AuthConfig) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("JWT secret not configured")
		}
		return []byte(cfg.Secret), nil

	case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
		if cfg.JWKS == nil {
			return nil, fmt.Errorf("JWKS not configured")
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		jwk, err := cfg.JWKS.GetKey(kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return parseECPublicKey(jwk)
		}
		return parseRSAPublicKey(jwk)

	default:
		return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter since EventSource cannot set headers.
func bearerToken(c *fiber.Ctx) string {
	if parts := strings.SplitN(c.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return c.Query("token")
}

// JWTAuth validates Supabase JWT tokens and stores user_id and claims in locals.
func JWTAuth(cfg AuthConfig) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "ES256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, cfg.keyFunc)
		if err != nil {
			logger.WithError(err).Debug("JWT validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.TokenExpired()
			}
			return apperr.InvalidToken("invalid token")
		}
		if !token.Valid {
			return apperr.InvalidToken("invalid token")
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return apperr.InvalidToken("missing user id in token")
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return apperr.InvalidToken("invalid user id format")
		}

		c.Locals("user_id", userID)
		if email, ok := claims["email"].(string); ok {
			c.Locals("user_email", email)
		}
		c.Locals("claims", claims)
		return c.Next()
	}
}
