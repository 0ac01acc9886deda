package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/medbridge/medbridge/internal/integration/errs"
)

// FHIRConnector exchanges FHIR R4 resources with a remote server: reads via
// searchset Bundles, writes via transaction Bundles. Epic and Cerner build on
// it with OAuth2 token sources.
type FHIRConnector struct {
	cfg         *IntegrationConfig
	client      *http.Client
	tokens      oauth2.TokenSource
	systemLabel string
	connected   bool
}

// NewFHIR creates a generic FHIR connector using the config's header-based
// auth type.
func NewFHIR(cfg *IntegrationConfig) (*FHIRConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FHIRConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		systemLabel: cfg.Name,
	}, nil
}

// NewEpic creates an Epic connector: FHIR R4 with an OAuth2
// client-credentials grant. When privateKeyPem is configured the token
// request uses a signed JWT client assertion (Epic backend services).
func NewEpic(cfg *IntegrationConfig) (*FHIRConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &FHIRConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		systemLabel: cfg.Name,
	}
	if cfg.PrivateKeyPEM != "" {
		src, err := jwtAssertionTokenSource(cfg, c.client)
		if err != nil {
			return nil, errs.Configuration(fmt.Sprintf("config %s: %v", cfg.ID, err))
		}
		c.tokens = src
	} else {
		c.tokens = clientCredentialsSource(context.Background(), cfg)
	}
	return c, nil
}

// NewCerner creates a Cerner connector: FHIR R4 transaction bundles with an
// OAuth2 client-credentials grant.
func NewCerner(cfg *IntegrationConfig) (*FHIRConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FHIRConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		tokens:      clientCredentialsSource(context.Background(), cfg),
		systemLabel: cfg.Name,
	}, nil
}

// Connect acquires credentials eagerly so misconfiguration surfaces before
// the first sync phase.
func (c *FHIRConnector) Connect(ctx context.Context) error {
	if c.tokens != nil {
		if _, err := c.tokens.Token(); err != nil {
			return errs.Authentication(fmt.Sprintf("%s token request failed: %v", c.systemLabel, err), err)
		}
	}
	c.connected = true
	return nil
}

// Disconnect clears session state. Bearer tokens simply expire.
func (c *FHIRConnector) Disconnect(_ context.Context) error {
	c.connected = false
	return nil
}

// applyAuth attaches the bearer token (refreshing transparently near expiry)
// or falls back to header auth for generic FHIR servers.
func (c *FHIRConnector) applyAuth(req *http.Request) error {
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return errs.Authentication(fmt.Sprintf("%s token request failed: %v", c.systemLabel, err), err)
		}
		tok.SetAuthHeader(req)
		return nil
	}

	switch c.cfg.AuthType {
	case AuthAPIKey:
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	case AuthBasic:
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	for k, v := range c.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	return nil
}

// Fetch searches {base}/{ResourceType} and unwraps the searchset Bundle.
func (c *FHIRConnector) Fetch(ctx context.Context, resourceType string, filters map[string]string) ([]Resource, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/" + resourceType)
	if err != nil {
		return nil, errs.Configuration(fmt.Sprintf("config %s: invalid baseUrl: %v", c.cfg.ID, err))
	}
	q := u.Query()
	for k, v := range filters {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.Connection(err.Error(), err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if err := c.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, resourceType); err != nil {
		return nil, err
	}

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			Resource Resource `json:"resource"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, errs.Data(resourceType, fmt.Sprintf("decode bundle: %v", err), false, err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, errs.Data(resourceType, fmt.Sprintf("expected Bundle, got %q", bundle.ResourceType), false, nil)
	}

	var out []Resource
	for _, e := range bundle.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out, nil
}

// Send writes one resource inside a transaction Bundle: PUT when the
// resource already has an id, POST otherwise. The created or updated id is
// parsed from entry.response.location, falling back to the returned resource.
func (c *FHIRConnector) Send(ctx context.Context, resource Resource) (string, error) {
	resourceType := resource.Type()
	if resourceType == "" {
		return "", errs.Data("", "resource has no resourceType", false, nil)
	}

	method := "POST"
	requestURL := resourceType
	if id := resource.ID(); id != "" {
		method = "PUT"
		requestURL = resourceType + "/" + id
	}

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": resource,
				"request": map[string]interface{}{
					"method": method,
					"url":    requestURL,
				},
			},
		},
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", errs.Data(resourceType, "failed to encode transaction bundle", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/"), bytes.NewReader(payload))
	if err != nil {
		return "", errs.Connection(err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	if err := c.applyAuth(req); err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, resourceType); err != nil {
		return "", err
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var result struct {
		Entry []struct {
			Resource Resource `json:"resource"`
			Response struct {
				Location string `json:"location"`
			} `json:"response"`
		} `json:"entry"`
	}
	if json.Unmarshal(body, &result) == nil && len(result.Entry) > 0 {
		if id := idFromLocation(result.Entry[0].Response.Location, resourceType); id != "" {
			return id, nil
		}
		if result.Entry[0].Resource != nil {
			if id := result.Entry[0].Resource.ID(); id != "" {
				return id, nil
			}
		}
	}
	return resource.ID(), nil
}

// idFromLocation parses "Type/id" or ".../Type/id/_history/n" locations.
func idFromLocation(location, resourceType string) string {
	if location == "" {
		return ""
	}
	marker := resourceType + "/"
	idx := strings.Index(location, marker)
	if idx == -1 {
		return ""
	}
	rest := location[idx+len(marker):]
	if end := strings.IndexByte(rest, '/'); end != -1 {
		rest = rest[:end]
	}
	return rest
}

// TestConnection reads the server's CapabilityStatement.
func (c *FHIRConnector) TestConnection(ctx context.Context) TestResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/metadata", nil)
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/fhir+json")
	if err := c.applyAuth(req); err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return TestResult{Success: false, Message: errs.Humanize(err, c.systemLabel)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return TestResult{Success: false, Message: fmt.Sprintf("%s metadata returned status %d", c.systemLabel, resp.StatusCode)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected to FHIR server at %s", c.cfg.BaseURL)}
}

// HealthCheck validates connectivity (metadata), authentication (token or
// header acceptance), and a minimal Patient read.
func (c *FHIRConnector) HealthCheck(ctx context.Context) Health {
	connectivity := false
	auth := false
	data := false
	message := ""

	res := c.TestConnection(ctx)
	connectivity = res.Success
	if !connectivity {
		return gradeHealth(false, false, false, res.Message)
	}

	if c.tokens != nil {
		if _, err := c.tokens.Token(); err != nil {
			return gradeHealth(true, false, false, fmt.Sprintf("%s token request failed: %v", c.systemLabel, err))
		}
		auth = true
	} else {
		auth = true
	}

	if _, err := c.Fetch(ctx, "Patient", map[string]string{"_count": "1"}); err == nil {
		data = true
	} else {
		message = errs.Humanize(err, c.systemLabel)
		if errs.KindOf(err) == errs.KindAuthentication {
			auth = false
		}
	}

	return gradeHealth(connectivity, auth, data, message)
}
