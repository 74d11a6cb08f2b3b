package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Authentication constants.
const (
	maxTokenLength     = 255 // Fine-grained tokens are longer than classic ones
	minTokenLength     = 40  // Minimum expected length for GitHub tokens
	classicTokenLength = 40  // Length of classic GitHub tokens
	maxAppID           = 999999999
	filePermReadOnly   = 0o400 // Read-only file permissions
	filePermOwnerRW    = 0o600 // Owner read-write file permissions
	jwtLifetime        = 10 * time.Minute
	jwtRefreshMargin   = time.Minute
	installationMargin = 5 * time.Minute
)

// validateToken validates a GitHub personal access token.
func validateToken(token string) error {
	if token == "" {
		return errors.New("no GitHub token found")
	}
	if len(token) > maxTokenLength || len(token) < minTokenLength {
		return errors.New("invalid token length")
	}

	// GitHub tokens have specific prefixes
	validPrefixes := []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_"}
	for _, prefix := range validPrefixes {
		if strings.HasPrefix(token, prefix) {
			return nil
		}
	}

	// Could be a classic token (40 hex chars)
	if len(token) != classicTokenLength {
		return errors.New("invalid token format")
	}
	for _, r := range token {
		if (r < 'a' || r > 'f') && (r < '0' || r > '9') {
			return errors.New("invalid classic token format")
		}
	}

	return nil
}

// validateAppID checks that appID is a plausible numeric GitHub App ID.
func validateAppID(appID string) error {
	id, err := strconv.Atoi(appID)
	if err != nil {
		return fmt.Errorf("GitHub App ID must be numeric: %w", err)
	}
	if id <= 0 || id > maxAppID {
		return fmt.Errorf("GitHub App ID %d out of range", id)
	}
	return nil
}

// generateJWT generates a JWT token for GitHub App authentication.
func generateJWT(appID string, privateKey []byte, now time.Time) (string, error) {
	block, _ := pem.Decode(privateKey)
	if block == nil {
		return "", errors.New("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format if PKCS1 fails
		parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = parsedKey.(*rsa.PrivateKey)
		if !ok {
			return "", errors.New("private key is not RSA")
		}
	}

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // tolerate clock drift
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// readPrivateKeyFile reads and validates a private key file.
func readPrivateKeyFile(keyPath string) ([]byte, error) {
	cleanPath := filepath.Clean(keyPath)
	if !filepath.IsAbs(cleanPath) {
		return nil, errors.New("GitHub App key path must be an absolute path")
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("cannot access private key file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, errors.New("GitHub App key path must be a file, not a directory")
	}

	perm := fileInfo.Mode().Perm()
	if perm != filePermOwnerRW && perm != filePermReadOnly {
		return nil, fmt.Errorf("private key file has insecure permissions %04o (must be 0600 or 0400)", perm)
	}

	key, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if !bytes.Contains(key, []byte("BEGIN RSA PRIVATE KEY")) && !bytes.Contains(key, []byte("BEGIN PRIVATE KEY")) {
		return nil, errors.New("private key does not appear to be a valid PEM private key")
	}
	return key, nil
}

// appAuth mints GitHub App JWTs and per-org installation tokens.
type appAuth struct {
	jwtExpiry     time.Time
	installations map[string]installation
	minting       singleflight.Group
	now           func() time.Time
	appID         string
	jwt           string
	privateKey    []byte
	mu            sync.Mutex
}

type installation struct {
	expiry time.Time
	token  string
	id     int64
}

func newAppAuth(_ context.Context, appID, keyPath string) (*appAuth, error) {
	if err := validateAppID(appID); err != nil {
		return nil, err
	}
	if keyPath == "" {
		return nil, errors.New("GitHub App key path is required with a GitHub App ID")
	}
	key, err := readPrivateKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	a := &appAuth{
		appID:         appID,
		privateKey:    key,
		installations: make(map[string]installation),
		now:           time.Now,
	}
	// Fail fast on a key that cannot sign.
	if _, err := a.appJWT(); err != nil {
		return nil, err
	}
	return a, nil
}

// appJWT returns a valid app JWT, regenerating it near expiry. Callers must not hold a.mu.
func (a *appAuth) appJWT() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appJWTLocked()
}

func (a *appAuth) appJWTLocked() (string, error) {
	now := a.now()
	if a.jwt != "" && now.Before(a.jwtExpiry.Add(-jwtRefreshMargin)) {
		return a.jwt, nil
	}
	token, err := generateJWT(a.appID, a.privateKey, now)
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}
	a.jwt = token
	a.jwtExpiry = now.Add(jwtLifetime)
	slog.Debug("Refreshed GitHub App JWT", "component", "auth")
	return token, nil
}

// installationToken returns a cached or newly minted installation token for org.
// Concurrent callers for the same org share one mint; a.mu is never held across
// a request.
func (a *appAuth) installationToken(ctx context.Context, c *Client, org string) (string, error) {
	if org == "" {
		return "", errors.New("organization name cannot be empty")
	}
	if token, ok := a.cachedToken(org); ok {
		return token, nil
	}

	ch := a.minting.DoChan(org, func() (any, error) {
		// The mint is shared, so one caller giving up must not fail the rest.
		return a.mint(context.WithoutCancel(ctx), c, org)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		token, ok := res.Val.(string)
		if !ok {
			return "", fmt.Errorf("unexpected installation token type %T", res.Val)
		}
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *appAuth) cachedToken(org string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst := a.installations[org]
	if inst.token != "" && a.now().Before(inst.expiry) {
		return inst.token, true
	}
	return "", false
}

// mint looks up the installation for org if needed and creates a fresh access token.
func (a *appAuth) mint(ctx context.Context, c *Client, org string) (string, error) {
	a.mu.Lock()
	inst := a.installations[org]
	if inst.token != "" && a.now().Before(inst.expiry) {
		a.mu.Unlock()
		return inst.token, nil
	}
	appToken, err := a.appJWTLocked()
	a.mu.Unlock()
	if err != nil {
		return "", err
	}

	if inst.id == 0 {
		var body struct {
			ID int64 `json:"id"`
		}
		apiURL := fmt.Sprintf("%s/orgs/%s/installation", c.baseURL, url.PathEscape(org))
		if err := c.postOrGet(ctx, http.MethodGet, apiURL, appToken, http.StatusOK, &body); err != nil {
			return "", fmt.Errorf("no installation found for organization %s (is the app installed?): %w", org, err)
		}
		inst.id = body.ID
	}

	var tokenResp struct {
		ExpiresAt time.Time `json:"expires_at"`
		Token     string    `json:"token"`
	}
	apiURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, inst.id)
	if err := c.postOrGet(ctx, http.MethodPost, apiURL, appToken, http.StatusCreated, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to create installation token for %s: %w", org, err)
	}
	if tokenResp.Token == "" {
		return "", errors.New("received empty installation token")
	}

	inst.token = tokenResp.Token
	inst.expiry = tokenResp.ExpiresAt.Add(-installationMargin)
	a.mu.Lock()
	a.installations[org] = inst
	a.mu.Unlock()

	slog.Info("Created installation access token", "component", "auth", "org", org, "installation_id", inst.id, "expires_at", tokenResp.ExpiresAt.Format(time.RFC3339))
	return inst.token, nil
}

// postOrGet performs an app-authenticated request and decodes a response with the wanted status.
func (c *Client) postOrGet(ctx context.Context, method, apiURL, appToken string, want int, v any) error {
	resp, err := c.doRequest(ctx, method, apiURL, appToken) //nolint:bodyclose // closed via drainAndCloseBody
	if err != nil {
		return err
	}
	defer drainAndCloseBody(resp.Body)

	if resp.StatusCode != want {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return fmt.Errorf("status %d (could not read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
