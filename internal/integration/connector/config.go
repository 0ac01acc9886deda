package connector

import (
	"fmt"
	"strings"
	"time"

	"github.com/medbridge/medbridge/internal/integration/errs"
	"github.com/medbridge/medbridge/internal/integration/mapping"
)

// SystemType identifies a supported external system.
type SystemType string

const (
	SystemGenericREST SystemType = "generic_rest"
	SystemFHIR        SystemType = "fhir"
	SystemEpic        SystemType = "epic"
	SystemCerner      SystemType = "cerner"
	SystemHL7         SystemType = "hl7v2"
	SystemSoftLab     SystemType = "softlab"
	SystemSunquest    SystemType = "sunquest"
	SystemOrchard     SystemType = "orchard"
	SystemHL7Gateway  SystemType = "hl7_gateway"
)

// AuthType identifies how a connector authenticates.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthCustom AuthType = "custom"
)

// IntegrationConfig describes one configured external system. It is created
// by configuration management and consumed read-only by the engine.
type IntegrationConfig struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     SystemType `json:"type"`
	BaseURL  string     `json:"baseUrl"`
	AuthType AuthType   `json:"authType"`

	APIKey       string `json:"apiKey,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	// TokenURL overrides the default <baseUrl>/token OAuth2 endpoint.
	TokenURL string `json:"tokenUrl,omitempty"`
	// PrivateKeyPEM, when set on an Epic config, switches the token request
	// to a signed JWT client assertion instead of the client secret.
	PrivateKeyPEM string `json:"privateKeyPem,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`

	CustomHeaders map[string]string `json:"customHeaders,omitempty"`

	TimeoutSeconds int  `json:"timeout"`
	RetryCount     int  `json:"retryCount"`
	RetryDelayMs   int  `json:"retryDelay"`
	Enabled        bool `json:"enabled"`

	SyncIntervalSeconds int        `json:"syncInterval,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`

	// ResourceTypes optionally restricts which resource types sync.
	ResourceTypes []string `json:"resourceTypes,omitempty"`

	// FieldMappings, when present, translate records between the remote
	// shape and the local canonical shape during sync.
	FieldMappings []mapping.FieldMapping `json:"fieldMappings,omitempty"`
}

// Timeout returns the per-call HTTP deadline, defaulting to 30s.
func (c *IntegrationConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base retry delay, defaulting to 1s.
func (c *IntegrationConfig) RetryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// MaxRetries returns the configured retry count, defaulting to 3.
func (c *IntegrationConfig) MaxRetries() int {
	if c.RetryCount <= 0 {
		return 3
	}
	return c.RetryCount
}

// SyncsResourceType reports whether resourceType passes the config's filter.
// An empty filter admits everything.
func (c *IntegrationConfig) SyncsResourceType(resourceType string) bool {
	if len(c.ResourceTypes) == 0 {
		return true
	}
	for _, rt := range c.ResourceTypes {
		if strings.EqualFold(rt, resourceType) {
			return true
		}
	}
	return false
}

// Validate checks structural requirements plus the auth-type-specific
// required fields. It runs before connector construction so adapters can
// assume their credentials are present.
func (c *IntegrationConfig) Validate() error {
	if c.ID == "" {
		return errs.Configuration("integration config id is required")
	}
	if c.BaseURL == "" {
		return errs.Configuration(fmt.Sprintf("config %s: baseUrl is required", c.ID))
	}

	switch c.AuthType {
	case AuthOAuth2:
		if c.ClientID == "" || c.ClientSecret == "" {
			if !(c.ClientID != "" && c.PrivateKeyPEM != "") {
				return errs.Configuration(fmt.Sprintf("config %s: oauth2 requires clientId and clientSecret (or clientId and privateKeyPem)", c.ID))
			}
		}
	case AuthBasic:
		if c.Username == "" || c.Password == "" {
			return errs.Configuration(fmt.Sprintf("config %s: basic auth requires username and password", c.ID))
		}
	case AuthAPIKey, AuthBearer:
		if c.APIKey == "" {
			return errs.Configuration(fmt.Sprintf("config %s: %s auth requires apiKey", c.ID, c.AuthType))
		}
	case AuthCustom:
		// Custom auth carries everything in CustomHeaders; nothing to enforce.
	case "":
		return errs.Configuration(fmt.Sprintf("config %s: authType is required", c.ID))
	default:
		return errs.Configuration(fmt.Sprintf("config %s: unknown authType %q", c.ID, c.AuthType))
	}

	if len(c.FieldMappings) > 0 {
		if _, err := mapping.New(c.FieldMappings); err != nil {
			return errs.Configuration(fmt.Sprintf("config %s: %v", c.ID, err))
		}
	}

	return nil
}

// Mapper builds the field mapper for this config, or nil when the config
// carries no mappings and records pass through unchanged.
func (c *IntegrationConfig) Mapper() (*mapping.Mapper, error) {
	if len(c.FieldMappings) == 0 {
		return nil, nil
	}
	return mapping.New(c.FieldMappings)
}
