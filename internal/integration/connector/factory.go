package connector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/medbridge/medbridge/internal/integration/errs"
)

// Capability describes what a system type's connector can do. It is exposed
// to configuration management so the UI can tailor its forms.
type Capability struct {
	Category     string     `json:"category"` // "his" or "lims"
	Protocol     string     `json:"protocol"`
	SupportsPush bool       `json:"supportsPush"`
	AuthTypes    []AuthType `json:"authTypes"`
}

// registration binds a system type to its constructor and capability
// metadata.
type registration struct {
	build func(*IntegrationConfig) (Connector, error)
	cap   Capability
}

var registry = map[SystemType]registration{
	SystemGenericREST: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewREST(cfg) },
		cap: Capability{
			Category: "his", Protocol: "rest", SupportsPush: true,
			AuthTypes: []AuthType{AuthAPIKey, AuthBearer, AuthBasic, AuthCustom},
		},
	},
	SystemFHIR: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewFHIR(cfg) },
		cap: Capability{
			Category: "his", Protocol: "fhir-r4", SupportsPush: true,
			AuthTypes: []AuthType{AuthAPIKey, AuthBearer, AuthBasic, AuthCustom},
		},
	},
	SystemEpic: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewEpic(cfg) },
		cap: Capability{
			Category: "his", Protocol: "fhir-r4", SupportsPush: true,
			AuthTypes: []AuthType{AuthOAuth2},
		},
	},
	SystemCerner: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewCerner(cfg) },
		cap: Capability{
			Category: "his", Protocol: "fhir-r4", SupportsPush: true,
			AuthTypes: []AuthType{AuthOAuth2},
		},
	},
	SystemHL7: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewHL7(cfg) },
		cap: Capability{
			Category: "his", Protocol: "hl7v2", SupportsPush: true,
			AuthTypes: []AuthType{AuthCustom},
		},
	},
	SystemSoftLab: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewSoftLab(cfg) },
		cap: Capability{
			Category: "lims", Protocol: "rest", SupportsPush: true,
			AuthTypes: []AuthType{AuthCustom, AuthBasic},
		},
	},
	SystemSunquest: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewSunquest(cfg) },
		cap: Capability{
			Category: "lims", Protocol: "rest", SupportsPush: true,
			AuthTypes: []AuthType{AuthAPIKey, AuthBearer, AuthBasic},
		},
	},
	SystemOrchard: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewOrchard(cfg) },
		cap: Capability{
			Category: "lims", Protocol: "rest", SupportsPush: true,
			AuthTypes: []AuthType{AuthAPIKey, AuthBearer, AuthBasic},
		},
	},
	SystemHL7Gateway: {
		build: func(cfg *IntegrationConfig) (Connector, error) { return NewHL7Gateway(cfg) },
		cap: Capability{
			Category: "lims", Protocol: "hl7v2-http", SupportsPush: true,
			AuthTypes: []AuthType{AuthCustom},
		},
	},
}

// AvailableTypes returns the registered system types, sorted.
func AvailableTypes() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the capability metadata for a system type.
func Capabilities(t SystemType) (Capability, bool) {
	reg, ok := registry[t]
	return reg.cap, ok
}

// New validates the configuration and constructs the connector for its
// declared system type. Unknown types fail with a configuration error
// listing what is available.
func New(cfg *IntegrationConfig) (Connector, error) {
	reg, ok := registry[cfg.Type]
	if !ok {
		return nil, errs.Configuration(fmt.Sprintf(
			"unknown system type %q; available types: %s",
			cfg.Type, strings.Join(AvailableTypes(), ", ")))
	}
	return reg.build(cfg)
}
