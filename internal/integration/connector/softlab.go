package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/medbridge/medbridge/internal/integration/errs"
)

// softLabTokenHeader carries the session token on every authenticated call.
const softLabTokenHeader = "X-Session-Token"

// softLabPaths maps LIMS record kinds onto SoftLab's API.
var softLabPaths = map[string]string{
	"LabResult": "/api/results",
	"LabOrder":  "/api/orders",
	"Specimen":  "/api/specimens",
	"QCData":    "/api/qc",
}

// SoftLabConnector talks to a SoftLab LIMS: session-token login on connect,
// the token as a custom header on every call, and a best-effort logout on
// disconnect.
type SoftLabConnector struct {
	*RESTConnector
	token string
}

// NewSoftLab creates a SoftLab connector. Username and password are required
// regardless of the declared auth type because the session login needs them.
func NewSoftLab(cfg *IntegrationConfig) (*SoftLabConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errs.Configuration(fmt.Sprintf("config %s: softlab requires username and password for session login", cfg.ID))
	}

	rest := &RESTConnector{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout()},
		systemLabel:  cfg.Name,
		paths:        softLabPaths,
		probeType:    "LabResult",
		extraHeaders: map[string]string{},
	}
	return &SoftLabConnector{RESTConnector: rest}, nil
}

// Connect performs the session login and stores the returned token.
func (c *SoftLabConnector) Connect(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return errs.Connection(err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.Authentication(fmt.Sprintf("%s rejected the configured credentials", c.systemLabel), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Connection(fmt.Sprintf("%s login returned status %d", c.systemLabel, resp.StatusCode), nil)
	}

	var body struct {
		Token        string `json:"token"`
		SessionToken string `json:"sessionToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errs.Data("", fmt.Sprintf("decode login response: %v", err), false, err)
	}
	token := body.Token
	if token == "" {
		token = body.SessionToken
	}
	if token == "" {
		return errs.Authentication(fmt.Sprintf("%s login response carried no session token", c.systemLabel), nil)
	}

	c.token = token
	c.extraHeaders[softLabTokenHeader] = token
	c.connected = true
	return nil
}

// Disconnect logs the session out. Logout failures are swallowed: the remote
// session will time out on its own.
func (c *SoftLabConnector) Disconnect(ctx context.Context) error {
	defer func() {
		c.token = ""
		delete(c.extraHeaders, softLabTokenHeader)
		c.connected = false
	}()

	if c.token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/auth/logout", nil)
	if err != nil {
		return nil
	}
	req.Header.Set(softLabTokenHeader, c.token)

	if resp, err := c.client.Do(req); err == nil {
		resp.Body.Close()
	}
	return nil
}

// HealthCheck logs in when no session is active, then runs the shared probe.
func (c *SoftLabConnector) HealthCheck(ctx context.Context) Health {
	if c.token == "" {
		if err := c.Connect(ctx); err != nil {
			connectivity := errs.KindOf(err) != errs.KindConnection
			return gradeHealth(connectivity, false, false, err.Error())
		}
	}
	return c.RESTConnector.HealthCheck(ctx)
}
