// Package connector defines the protocol connector contract shared by every
// HIS and LIMS adapter, the integration configuration it is built from, and
// the factory that maps configured system types to implementations.
package connector

import (
	"context"
	"encoding/json"
	"time"
)

// Resource is a loosely-typed record exchanged with a remote system. HIS
// resources are FHIR-shaped (resourceType + id); LIMS records carry a record
// kind in the same field. Resources are immutable once returned from Fetch.
type Resource map[string]interface{}

// ID returns the resource id, or "" when absent.
func (r Resource) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}

// Type returns the resourceType field, or "" when absent.
func (r Resource) Type() string {
	if v, ok := r["resourceType"].(string); ok {
		return v
	}
	return ""
}

// LastUpdated returns meta.lastUpdated parsed as RFC3339, or the zero time.
func (r Resource) LastUpdated() time.Time {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return time.Time{}
	}
	s, ok := meta["lastUpdated"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Resource
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// TestResult is the outcome of a connectivity probe.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HealthState grades a connector's operational health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health is a composite health report: connectivity, authentication, and a
// minimal data read, each validated independently.
type Health struct {
	Status  HealthState     `json:"status"`
	Checks  map[string]bool `json:"checks"`
	Message string          `json:"message,omitempty"`
}

// gradeHealth applies the shared downgrade policy: connectivity or auth
// failure is unhealthy; a data-read failure with connect+auth intact is
// degraded.
func gradeHealth(connectivity, auth, data bool, message string) Health {
	h := Health{
		Checks: map[string]bool{
			"connectivity":   connectivity,
			"authentication": auth,
			"dataAccess":     data,
		},
		Message: message,
	}
	switch {
	case !connectivity || !auth:
		h.Status = HealthUnhealthy
	case !data:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	return h
}

// Connector is the capability set every system adapter implements. All
// network I/O happens only inside these methods; implementations own their
// auth-token lifecycle and transparently refresh near-expiry tokens before a
// request.
type Connector interface {
	// Connect prepares the adapter for use (dial, login, token acquisition).
	Connect(ctx context.Context) error

	// Disconnect releases any session state. Best-effort; errors from remote
	// logout calls are swallowed.
	Disconnect(ctx context.Context) error

	// Fetch retrieves resources of the given type, constrained by filters.
	Fetch(ctx context.Context, resourceType string, filters map[string]string) ([]Resource, error)

	// Send pushes one resource and returns the remote id.
	Send(ctx context.Context, resource Resource) (string, error)

	// TestConnection probes the remote system and reports a human-readable
	// outcome.
	TestConnection(ctx context.Context) TestResult

	// HealthCheck independently validates connectivity, authentication, and a
	// minimal data read.
	HealthCheck(ctx context.Context) Health
}
