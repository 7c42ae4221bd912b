package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func signHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"alg":"RS256","kid":%q}`, kid)))
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	h := sha256.Sum256([]byte(header + "." + payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func deliberationClaims() map[string]any {
	return map[string]any{
		"user":   "amy",
		"system": "orchestrator",
		"aud":    "deliberation",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyHS256AnyActiveKey(t *testing.T) {
	ks := NewKeySet("hs256", "deliberation", "", []string{"old-secret", "new-secret"}, "", 0)

	for _, secret := range []string{"old-secret", "new-secret"} {
		claims, err := ks.Verify(signHS256(t, secret, deliberationClaims()), time.Now().UTC())
		if err != nil {
			t.Fatalf("verify with %s: %v", secret, err)
		}
		if claims.User != "amy" || claims.System != "orchestrator" {
			t.Fatalf("claims: %+v", claims)
		}
	}

	if _, err := ks.Verify(signHS256(t, "stranger", deliberationClaims()), time.Now().UTC()); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestVerifyRejectsExpiredAndWrongAudience(t *testing.T) {
	ks := NewKeySet("hs256", "deliberation", "", []string{"s"}, "", 0)

	expired := deliberationClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	if _, err := ks.Verify(signHS256(t, "s", expired), time.Now().UTC()); err == nil {
		t.Fatal("expected expiry rejection")
	}

	wrongAud := deliberationClaims()
	wrongAud["aud"] = "management"
	if _, err := ks.Verify(signHS256(t, "s", wrongAud), time.Now().UTC()); err == nil {
		t.Fatal("expected audience rejection")
	}

	noUser := map[string]any{"aud": "deliberation", "exp": time.Now().Add(time.Hour).Unix()}
	if _, err := ks.Verify(signHS256(t, "s", noUser), time.Now().UTC()); err == nil {
		t.Fatal("expected user-claim rejection")
	}
}

func TestVerifyAudienceList(t *testing.T) {
	ks := NewKeySet("hs256", "management", "", []string{"s"}, "", 0)
	claims := map[string]any{
		"user": "expert",
		"aud":  []string{"deliberation", "management"},
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if _, err := ks.Verify(signHS256(t, "s", claims), time.Now().UTC()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifySubFallback(t *testing.T) {
	ks := NewKeySet("hs256", "", "", []string{"s"}, "", 0)
	claims := map[string]any{"sub": "amy", "exp": time.Now().Add(time.Hour).Unix()}
	got, err := ks.Verify(signHS256(t, "s", claims), time.Now().UTC())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.User != "amy" {
		t.Fatalf("expected sub fallback, got %+v", got)
	}
}

func TestVerifyRS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := map[string]any{
		"keys": []map[string]string{{
			"kid": "kid-1",
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	ks := NewKeySet("rs256", "management", "", nil, srv.URL, time.Second)
	claims, err := ks.Verify(signRS256(t, key, "kid-1", map[string]any{
		"user": "expert",
		"aud":  "management",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}), time.Now().UTC())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.User != "expert" {
		t.Fatalf("claims: %+v", claims)
	}

	if _, err := ks.Verify(signRS256(t, key, "kid-unknown", deliberationClaims()), time.Now().UTC()); err == nil {
		t.Fatal("expected unknown kid rejection")
	}
}

func TestVerifyRS256RotatedKeyWithoutRestart(t *testing.T) {
	keyA, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyB, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := func(kid string, key *rsa.PrivateKey) map[string]string {
		return map[string]string{
			"kid": kid,
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		}
	}

	var mu sync.Mutex
	keys := []map[string]string{jwk("kid-a", keyA)}
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	defer srv.Close()

	ks := NewKeySet("rs256", "management", "", nil, srv.URL, time.Second)
	now := time.Now().UTC()
	claims := map[string]any{
		"user": "expert",
		"aud":  "management",
		"exp":  now.Add(time.Hour).Unix(),
	}
	if _, err := ks.Verify(signRS256(t, keyA, "kid-a", claims), now); err != nil {
		t.Fatalf("verify before rotation: %v", err)
	}

	// Rotation appends a key; the served set now carries both kids.
	mu.Lock()
	keys = append(keys, jwk("kid-b", keyB))
	mu.Unlock()

	// Inside the refetch floor an unknown kid is still rejected.
	if _, err := ks.Verify(signRS256(t, keyB, "kid-b", claims), now.Add(time.Second)); err == nil {
		t.Fatal("expected rejection inside the refetch floor")
	}

	// Past the floor, the miss forces a refetch even though the cached set is
	// still fresh, and the rotated key verifies.
	if _, err := ks.Verify(signRS256(t, keyB, "kid-b", claims), now.Add(30*time.Second)); err != nil {
		t.Fatalf("rotated kid rejected after refetch window: %v", err)
	}

	mu.Lock()
	got := fetches
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected exactly 2 jwks fetches, got %d", got)
	}
}

func TestMiddleware(t *testing.T) {
	ks := NewKeySet("hs256", "deliberation", "", []string{"s"}, "", 0)
	var seen Principal
	handler := ks.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// Valid token.
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "s", deliberationClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.User != "amy" || seen.System != "orchestrator" {
		t.Fatalf("principal: %+v", seen)
	}

	// Garbage token.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareOffMode(t *testing.T) {
	ks := NewKeySet("off", "deliberation", "", nil, "", 0)
	var seen Principal
	handler := ks.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen.User != "anonymous" {
		t.Fatalf("principal: %+v", seen)
	}
}
