// Package auth gates the two endpoint families (deliberation, management)
// with independent JWT key sets. A token is accepted when its signature
// verifies under any active key of the family's set, it has not expired, and
// its audience names the family.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Principal is the identity extracted from a verified token. Both claims are
// logged, never used for authorization beyond presence.
type Principal struct {
	User   string
	System string
}

type contextKey string

const principalContextKey contextKey = "checker.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// KeySet verifies tokens for one endpoint family. Secrets holds the active
// HS256 keys; rotations append, old keys stay valid until removed. RS256
// keys come from a JWKS endpoint with a refresh-on-miss cache.
type KeySet struct {
	Mode     string // off | hs256 | rs256
	Audience string
	Issuer   string
	Secrets  []string
	jwks     *jwksCache
}

// NewKeySet builds the verifier for one family. jwksURL is only consulted in
// rs256 mode.
func NewKeySet(mode, audience, issuer string, secrets []string, jwksURL string, timeout time.Duration) *KeySet {
	k := &KeySet{
		Mode:     strings.ToLower(strings.TrimSpace(mode)),
		Audience: strings.TrimSpace(audience),
		Issuer:   strings.TrimSpace(issuer),
	}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			k.Secrets = append(k.Secrets, s)
		}
	}
	if k.Mode == "rs256" {
		k.jwks = newJWKSCache(strings.TrimSpace(jwksURL), timeout)
	}
	return k
}

// Middleware enforces the key set on every wrapped request and installs the
// principal into the context. Mode off admits everyone as anonymous.
func (k *KeySet) Middleware() func(http.Handler) http.Handler {
	if k.Mode == "" || k.Mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{User: "anonymous"})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := k.Verify(token, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				User:   claims.User,
				System: claims.System,
			})))
		})
	}
}

// TokenClaims are the claims the checker reads.
type TokenClaims struct {
	Sub    string
	User   string
	System string
	Iss    string
	Aud    any
	Exp    int64
	Nbf    int64
	Iat    int64
}

// Verify checks a compact JWT against the key set.
func (k *KeySet) Verify(token string, now time.Time) (TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}

	signed := []byte(parts[0] + "." + parts[1])
	switch {
	case k.Mode == "hs256" && strings.ToUpper(header.Alg) == "HS256":
		if err := k.verifyHS256(signed, sig); err != nil {
			return TokenClaims{}, err
		}
	case k.Mode == "rs256" && strings.ToUpper(header.Alg) == "RS256":
		if err := k.verifyRS256(signed, sig, header.Kid, now); err != nil {
			return TokenClaims{}, err
		}
	default:
		return TokenClaims{}, errors.New("unsupported alg for key set")
	}

	claims, err := parseClaims(payloadRaw)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if claims.User == "" {
		return TokenClaims{}, errors.New("user required")
	}
	if k.Issuer != "" && claims.Iss != k.Issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if k.Audience != "" && !audContains(claims.Aud, k.Audience) {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

// verifyHS256 accepts the signature under any active shared secret.
func (k *KeySet) verifyHS256(signed, sig []byte) error {
	if len(k.Secrets) == 0 {
		return errors.New("no active secrets")
	}
	for _, secret := range k.Secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(signed)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return nil
		}
	}
	return errors.New("signature mismatch")
}

func (k *KeySet) verifyRS256(signed, sig []byte, kid string, now time.Time) error {
	if strings.TrimSpace(kid) == "" {
		return errors.New("kid required")
	}
	pub, err := k.jwks.key(context.Background(), kid, now)
	if err != nil {
		return err
	}
	h := sha256.Sum256(signed)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig)
}

func parseClaims(payloadRaw []byte) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &raw); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	if v, ok := raw["sub"]; ok {
		_ = json.Unmarshal(v, &claims.Sub)
	}
	if v, ok := raw["user"]; ok {
		_ = json.Unmarshal(v, &claims.User)
	}
	if v, ok := raw["system"]; ok {
		_ = json.Unmarshal(v, &claims.System)
	}
	if v, ok := raw["iss"]; ok {
		_ = json.Unmarshal(v, &claims.Iss)
	}
	if v, ok := raw["aud"]; ok {
		var audAny any
		_ = json.Unmarshal(v, &audAny)
		claims.Aud = audAny
	}
	if v, ok := raw["exp"]; ok {
		_ = json.Unmarshal(v, &claims.Exp)
	}
	if v, ok := raw["nbf"]; ok {
		_ = json.Unmarshal(v, &claims.Nbf)
	}
	if v, ok := raw["iat"]; ok {
		_ = json.Unmarshal(v, &claims.Iat)
	}
	if claims.User == "" {
		claims.User = claims.Sub
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// jwksFreshFor is how long a fetched key set serves known kids without a
// refetch. jwksMissRefloor bounds how often an unknown kid may force a
// refetch inside that window, so bogus kids cannot hammer the endpoint.
const (
	jwksFreshFor    = 5 * time.Minute
	jwksMissRefloor = 10 * time.Second
)

type jwksCache struct {
	url       string
	timeout   time.Duration
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:     jwksURL,
		timeout: timeout,
		keys:    map[string]*rsa.PublicKey{},
		client:  &http.Client{Timeout: timeout},
	}
}

// key serves from cache while fresh; an unknown kid forces a refresh so
// freshly rotated keys work without restarts.
func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil || c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, kid, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, kid string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		if _, known := c.keys[kid]; known {
			return nil
		}
		// A rotation may have appended this kid since the last fetch.
		// Refetch even though the cache is fresh, bounded by the floor.
		if now.Sub(c.fetchedAt) < jwksMissRefloor {
			return nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.fetchedAt = now
	c.expiresAt = now.Add(jwksFreshFor)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
