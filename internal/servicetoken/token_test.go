package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSignerVerifierRS256FromPEM(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "svc")
	signer, err := NewSignerWithOptions(SignerOptions{
		PrivateKeyPath: privatePath,
		Issuer:         "gateway",
		TTL:            2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifierWithOptions(VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "diagnose",
		AllowedIssuers: []string{"gateway"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("diagnose")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "gateway" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestVerifierRejections(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	signer, _ := NewSigner(key, "k1", "gateway", time.Minute)
	foreign, _ := NewSigner(key, "k1", "stranger", time.Minute)
	wrongKey, _ := NewSigner(other, "k2", "gateway", time.Minute)
	verifier, err := NewVerifier(map[string]*rsa.PublicKey{"k1": &key.PublicKey}, "diagnose", []string{"gateway"}, time.Second)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	wrongAud, _ := signer.Sign("identity")
	badIssuer, _ := foreign.Sign("diagnose")
	unknownKid, _ := wrongKey.Sign("diagnose")
	for name, token := range map[string]string{
		"audience": wrongAud,
		"issuer":   badIssuer,
		"kid":      unknownKid,
		"empty":    "",
	} {
		if _, err := verifier.Verify(token); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestRequireMiddleware(t *testing.T) {
	key := newKey(t)
	signer, _ := NewSigner(key, "", "gateway", time.Minute)
	verifier, _ := NewVerifier(map[string]*rsa.PublicKey{DefaultKeyID: &key.PublicKey}, "diagnose", []string{"gateway"}, 0)
	h := Require(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/diagnose", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	token, _ := signer.Sign("diagnose")
	req := httptest.NewRequest(http.MethodPost, "/diagnose", nil)
	req.Header.Set(HeaderName, token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token status = %d", rec.Code)
	}

	if Require(nil, h) != h {
		t.Fatalf("nil verifier should pass through")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	got, err := ParseVerifyPublicKeys("a=/k/a.pem, b=/k/b.pem")
	if err != nil || len(got) != 2 || got["b"] != "/k/b.pem" {
		t.Fatalf("unexpected parse: %v err=%v", got, err)
	}
	if got, err := ParseVerifyPublicKeys("  "); err != nil || got != nil {
		t.Fatalf("empty input: %v %v", got, err)
	}
	if _, err := ParseVerifyPublicKeys("broken"); err == nil {
		t.Fatalf("expected error for entry without path")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := BearerToken(req); ok {
		t.Fatalf("expected no token")
	}
	req.Header.Set("Authorization", "Bearer abc")
	if tok, ok := BearerToken(req); !ok || tok != "abc" {
		t.Fatalf("unexpected token %q", tok)
	}
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := newKey(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
