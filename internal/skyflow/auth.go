package skyflow

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"skyflow-batch-tokenizer/pkg/types"
)

// TokenProvider supplies the bearer token for vault calls
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a bearer token given directly in configuration
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty bearer token")
	}
	return string(t), nil
}

// Credentials is the service account file downloaded from Skyflow Studio
type Credentials struct {
	ClientID   string `json:"clientID"`
	ClientName string `json:"clientName"`
	KeyID      string `json:"keyID"`
	TokenURI   string `json:"tokenURI"`
	PrivateKey string `json:"privateKey"`
}

// LoadCredentials reads a service account credentials file
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes service account credentials JSON
func ParseCredentials(data []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	switch {
	case c.ClientID == "":
		return nil, errors.New("credentials: clientID is missing")
	case c.KeyID == "":
		return nil, errors.New("credentials: keyID is missing")
	case c.TokenURI == "":
		return nil, errors.New("credentials: tokenURI is missing")
	case c.PrivateKey == "":
		return nil, errors.New("credentials: privateKey is missing")
	}
	return &c, nil
}

// refreshMargin renews a cached token this long before it expires
const refreshMargin = time.Minute

// ServiceAccount exchanges a signed JWT assertion for a bearer token and
// caches the token until shortly before it expires.
type ServiceAccount struct {
	creds      *Credentials
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewServiceAccount parses the private key of creds
func NewServiceAccount(creds *Credentials, httpClient *http.Client) (*ServiceAccount, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ServiceAccount{creds: creds, key: key, httpClient: httpClient, now: time.Now}, nil
}

// Token returns the cached bearer token or fetches a new one
func (s *ServiceAccount) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	assertion, err := s.assertion()
	if err != nil {
		return "", err
	}
	token, err := s.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}
	expires, err := expiry(token)
	if err != nil {
		return "", err
	}
	s.token, s.expires = token, expires
	return token, nil
}

func (s *ServiceAccount) assertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.creds.ClientID,
		"key": s.creds.KeyID,
		"aud": s.creds.TokenURI,
		"sub": s.creds.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

func (s *ServiceAccount) exchange(ctx context.Context, assertion string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "urn:ietf:params:oauth:grant-type:jwt-bearer",
		"assertion":  assertion,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.TokenURI, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request bearer token: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		svcErr := types.NewServiceError(resp.StatusCode, errorMessage(data))
		svcErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", fmt.Errorf("token request failed: %w", svcErr)
	}

	var out struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token response has no accessToken")
	}
	return out.AccessToken, nil
}

// expiry reads the exp claim of a bearer token without verifying it; the
// vault verifies tokens, the client only needs to know when to renew
func expiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse bearer token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("bearer token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}
