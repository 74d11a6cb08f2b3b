package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/internal/testutil"
)

func writeTestKey(t *testing.T, perm os.FileMode) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pemBytes, perm); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path, key
}

func TestValidateAppID(t *testing.T) {
	for _, id := range []string{"", "abc", "0", "-1", "1000000000"} {
		if err := validateAppID(id); err == nil {
			t.Errorf("validateAppID(%q) expected error", id)
		}
	}
	if err := validateAppID("12345"); err != nil {
		t.Errorf("validateAppID(12345) unexpected error: %v", err)
	}
}

func TestReadPrivateKeyFile(t *testing.T) {
	path, _ := writeTestKey(t, 0o600)
	if _, err := readPrivateKeyFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	insecure, _ := writeTestKey(t, 0o644)
	if _, err := readPrivateKeyFile(insecure); err == nil {
		t.Error("expected error for world-readable key")
	}

	if _, err := readPrivateKeyFile("relative/key.pem"); err == nil {
		t.Error("expected error for relative path")
	}
}

func TestGenerateJWT(t *testing.T) {
	path, key := writeTestKey(t, 0o600)
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	signed, err := generateJWT("12345", pemBytes, now)
	if err != nil {
		t.Fatalf("generateJWT error: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims.Issuer != "12345" {
		t.Errorf("issuer = %q, want 12345", claims.Issuer)
	}
	if claims.ExpiresAt.Sub(now) > jwtLifetime+time.Second {
		t.Errorf("expiry too far in the future: %v", claims.ExpiresAt)
	}

	if _, err := generateJWT("12345", []byte("not a key"), now); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestAppAuth_InstallationTokenCached(t *testing.T) {
	path, _ := writeTestKey(t, 0o600)
	doer := testutil.NewMockHTTPDoer()
	doer.SetResponse(http.MethodGet, "/orgs/acme/installation", http.StatusOK, map[string]any{"id": 42})
	doer.SetResponse(http.MethodPost, "/app/installations/42/access_tokens", http.StatusCreated, map[string]any{
		"token":      "ghs_installation",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	doer.SetResponse(http.MethodGet, "/orgs/acme/repos?type=public&per_page=100&page=1", http.StatusOK, []any{})

	c, err := New(context.Background(), Config{
		HTTPClient:    doer,
		AppID:         "12345",
		AppKeyPath:    path,
		BaseURL:       "https://api.test",
		RetryAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for range 2 {
		if _, err := c.Repositories(context.Background(), "acme", "public"); err != nil {
			t.Fatalf("Repositories error: %v", err)
		}
	}

	if n := doer.CallCount(http.MethodPost, "/app/installations/42/access_tokens"); n != 1 {
		t.Errorf("expected one installation token mint, got %d", n)
	}
	for _, call := range doer.Calls() {
		if call.URI == "/orgs/acme/repos?type=public&per_page=100&page=1" && call.Auth != "Bearer ghs_installation" {
			t.Errorf("repo listing used %q", call.Auth)
		}
	}
}

func TestAppAuth_NotInstalled(t *testing.T) {
	path, _ := writeTestKey(t, 0o600)
	c, err := New(context.Background(), Config{
		HTTPClient:    testutil.NewMockHTTPDoer(),
		AppID:         "12345",
		AppKeyPath:    path,
		BaseURL:       "https://api.test",
		RetryAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.Token(context.Background(), "elsewhere"); err == nil {
		t.Fatal("expected error when the app is not installed")
	}
}

// gatedDoer holds requests for one URI until gate is closed.
type gatedDoer struct {
	*testutil.MockHTTPDoer
	entered chan struct{}
	gate    chan struct{}
	uri     string
	once    sync.Once
}

func (g *gatedDoer) Do(req *http.Request) (*http.Response, error) {
	if req.URL.RequestURI() == g.uri {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.MockHTTPDoer.Do(req)
}

func newAppClient(t *testing.T, doer HTTPDoer) *Client {
	t.Helper()
	path, _ := writeTestKey(t, 0o600)
	c, err := New(context.Background(), Config{
		HTTPClient:    doer,
		AppID:         "12345",
		AppKeyPath:    path,
		BaseURL:       "https://api.test",
		RetryAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestAppAuth_ConcurrentMintsShareOneRequest(t *testing.T) {
	mock := testutil.NewMockHTTPDoer()
	expires := time.Now().Add(time.Hour).Format(time.RFC3339)
	mock.SetResponse(http.MethodGet, "/orgs/slow/installation", http.StatusOK, map[string]any{"id": 7})
	mock.SetResponse(http.MethodPost, "/app/installations/7/access_tokens", http.StatusCreated,
		map[string]any{"token": "ghs_slow", "expires_at": expires})
	mock.SetResponse(http.MethodGet, "/orgs/fast/installation", http.StatusOK, map[string]any{"id": 8})
	mock.SetResponse(http.MethodPost, "/app/installations/8/access_tokens", http.StatusCreated,
		map[string]any{"token": "ghs_fast", "expires_at": expires})

	doer := &gatedDoer{MockHTTPDoer: mock, uri: "/orgs/slow/installation", entered: make(chan struct{}), gate: make(chan struct{})}
	c := newAppClient(t, doer)

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(context.Background(), "slow")
		}()
	}
	<-doer.entered

	// Another org mints while the first one is stuck on the network.
	fast := make(chan error, 1)
	go func() {
		tok, err := c.Token(context.Background(), "fast")
		if err == nil && tok != "ghs_fast" {
			err = errors.New("wrong token " + tok)
		}
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("fast org: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("minting for one org blocked behind another org's request")
	}

	time.Sleep(20 * time.Millisecond)
	close(doer.gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil || tokens[i] != "ghs_slow" {
			t.Errorf("caller %d: token %q, error %v", i, tokens[i], errs[i])
		}
	}
	if n := mock.CallCount(http.MethodPost, "/app/installations/7/access_tokens"); n != 1 {
		t.Errorf("minted %d tokens for slow, want 1", n)
	}
}

func TestAppAuth_EscapesOrg(t *testing.T) {
	mock := testutil.NewMockHTTPDoer()
	c := newAppClient(t, mock)

	if _, err := c.Token(context.Background(), "a/b"); err == nil {
		t.Fatal("expected error for an org without an installation")
	}
	if n := mock.CallCount(http.MethodGet, "/orgs/a%2Fb/installation"); n != 1 {
		t.Errorf("escaped installation lookup made %d times, calls: %+v", n, mock.Calls())
	}
}
