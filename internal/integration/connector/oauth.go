package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenEarlyRefresh is how much remaining lifetime triggers a refresh before
// the next request.
const tokenEarlyRefresh = 60 * time.Second

// tokenURL resolves the OAuth2 token endpoint for a config: an explicit
// tokenUrl wins, otherwise <baseUrl>/token.
func tokenURL(cfg *IntegrationConfig) string {
	if cfg.TokenURL != "" {
		return cfg.TokenURL
	}
	return strings.TrimRight(cfg.BaseURL, "/") + "/token"
}

// clientCredentialsSource returns a cached token source for the OAuth2
// client-credentials grant. Tokens refresh when less than tokenEarlyRefresh
// of lifetime remains.
func clientCredentialsSource(ctx context.Context, cfg *IntegrationConfig) oauth2.TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL(cfg),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenEarlyRefresh)
}

// jwtAssertionSource implements the backend-services variant of the
// client-credentials grant: the client authenticates with a signed JWT
// assertion instead of a shared secret. Epic sandboxes require this for
// production apps.
type jwtAssertionSource struct {
	clientID string
	tokenURL string
	key      interface{}
	client   *http.Client
}

// jwtAssertionTokenSource builds a cached token source using an RS256 client
// assertion signed with cfg.PrivateKeyPEM.
func jwtAssertionTokenSource(cfg *IntegrationConfig, client *http.Client) (oauth2.TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	src := &jwtAssertionSource{
		clientID: cfg.ClientID,
		tokenURL: tokenURL(cfg),
		key:      key,
		client:   client,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, tokenEarlyRefresh), nil
}

// Token requests a fresh access token using a signed client assertion.
func (s *jwtAssertionSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)

	resp, err := s.client.Post(s.tokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	tok := &oauth2.Token{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
	}
	if payload.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return tok, nil
}
