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

	"github.com/medbridge/medbridge/internal/integration/errs"
)

// RESTConnector talks to generic REST-style HIS and LIMS endpoints. Vendor
// variants (Sunquest, Orchard) reuse it with their own path tables and
// header conventions.
type RESTConnector struct {
	cfg    *IntegrationConfig
	client *http.Client

	// systemLabel names the remote side in operator-facing messages.
	systemLabel string

	// paths maps a resource type to its collection path. Unmapped types fall
	// back to "/" + lowercased plural-ish type name.
	paths map[string]string

	// extraHeaders are vendor-fixed headers applied to every request.
	extraHeaders map[string]string

	// probeType is the resource type used for the health-check data read.
	probeType string

	connected bool
}

// NewREST creates a generic REST connector.
func NewREST(cfg *IntegrationConfig) (*RESTConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RESTConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		systemLabel: cfg.Name,
		probeType:   "Patient",
	}, nil
}

// Connect verifies the endpoint is reachable. REST connectors are otherwise
// stateless.
func (c *RESTConnector) Connect(ctx context.Context) error {
	res := c.TestConnection(ctx)
	if !res.Success {
		return errs.Connection(res.Message, nil)
	}
	c.connected = true
	return nil
}

// Disconnect clears the connected flag.
func (c *RESTConnector) Disconnect(_ context.Context) error {
	c.connected = false
	return nil
}

// resourcePath resolves the collection path for a resource type.
func (c *RESTConnector) resourcePath(resourceType string) string {
	if c.paths != nil {
		if p, ok := c.paths[resourceType]; ok {
			return p
		}
	}
	return "/" + strings.ToLower(resourceType) + "s"
}

// applyAuth sets authentication headers per the configured auth type, plus
// any custom and vendor-fixed headers.
func (c *RESTConnector) applyAuth(req *http.Request) {
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
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
}

// Fetch retrieves resources of the given type. Filters become query
// parameters verbatim, including the orchestrator's _cursor parameter. The
// response may be a bare JSON array or a {"data": [...]} envelope.
func (c *RESTConnector) Fetch(ctx context.Context, resourceType string, filters map[string]string) ([]Resource, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + c.resourcePath(resourceType))
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
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, resourceType); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Connection("failed reading response body", err)
	}

	resources, err := decodeResourceList(body)
	if err != nil {
		return nil, errs.Data(resourceType, err.Error(), false, err)
	}

	// Stamp the record kind on LIMS payloads that omit it.
	for _, r := range resources {
		if r.Type() == "" {
			r["resourceType"] = resourceType
		}
	}

	return resources, nil
}

// decodeResourceList accepts either a bare array or a data/results/items
// envelope.
func decodeResourceList(body []byte) ([]Resource, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var out []Resource
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode resource array: %w", err)
		}
		return out, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	for _, key := range []string{"data", "results", "items", "entries"} {
		if raw, ok := envelope[key]; ok {
			var out []Resource
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("decode %q envelope: %w", key, err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("response is neither an array nor a recognized envelope")
}

// Send pushes one resource: PUT when it already has an id, POST otherwise.
// The remote id is read from the response body, falling back to the local id.
func (c *RESTConnector) Send(ctx context.Context, resource Resource) (string, error) {
	resourceType := resource.Type()
	if resourceType == "" {
		return "", errs.Data("", "resource has no resourceType", false, nil)
	}

	target := strings.TrimRight(c.cfg.BaseURL, "/") + c.resourcePath(resourceType)
	method := http.MethodPost
	if id := resource.ID(); id != "" {
		method = http.MethodPut
		target += "/" + url.PathEscape(id)
	}

	payload, err := json.Marshal(resource)
	if err != nil {
		return "", errs.Data(resourceType, "failed to encode resource", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return "", errs.Connection(err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, resourceType); err != nil {
		return "", err
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var returned Resource
	if json.Unmarshal(body, &returned) == nil {
		if id := returned.ID(); id != "" {
			return id, nil
		}
	}
	return resource.ID(), nil
}

// TestConnection issues a lightweight request against the base URL.
func (c *RESTConnector) TestConnection(ctx context.Context) TestResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return TestResult{Success: false, Message: errs.Humanize(err, c.systemLabel)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return TestResult{Success: false, Message: fmt.Sprintf("%s returned status %d", c.systemLabel, resp.StatusCode)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected to %s", c.cfg.BaseURL)}
}

// HealthCheck validates connectivity, authentication, and a minimal data
// read, each independently.
func (c *RESTConnector) HealthCheck(ctx context.Context) Health {
	connectivity := false
	auth := false
	data := false
	message := ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return gradeHealth(false, false, false, err.Error())
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return gradeHealth(false, false, false, errs.Humanize(err, c.systemLabel))
	}
	resp.Body.Close()
	connectivity = true
	auth = resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
	if !auth {
		message = fmt.Sprintf("%s rejected the configured credentials", c.systemLabel)
	}

	if auth {
		if _, err := c.Fetch(ctx, c.probeType, map[string]string{"_count": "1"}); err == nil {
			data = true
		} else {
			message = errs.Humanize(err, c.systemLabel)
		}
	}

	return gradeHealth(connectivity, auth, data, message)
}

// checkStatus converts a non-2xx response into a taxonomy error.
func checkStatus(resp *http.Response, resourceType string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Authentication(msg, nil)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return errs.Data(resourceType, msg, false, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Connection(msg, nil)
	default:
		return errs.Data(resourceType, msg, true, nil)
	}
}
