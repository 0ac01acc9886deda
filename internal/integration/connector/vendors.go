package connector

import "net/http"

// sunquestPaths maps LIMS record kinds onto Sunquest's REST API.
var sunquestPaths = map[string]string{
	"LabResult": "/api/v1/results",
	"LabOrder":  "/api/v1/orders",
	"Specimen":  "/api/v1/specimens",
	"QCData":    "/api/v1/qc",
}

// orchardPaths maps LIMS record kinds onto Orchard Harvest's API.
var orchardPaths = map[string]string{
	"LabResult": "/harvest/api/results",
	"LabOrder":  "/harvest/api/orders",
	"Specimen":  "/harvest/api/specimens",
	"QCData":    "/harvest/api/qcdata",
}

// NewSunquest creates a Sunquest LIMS connector: Sunquest exposes a REST
// surface with versioned paths and a client identification header.
func NewSunquest(cfg *IntegrationConfig) (*RESTConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RESTConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		systemLabel: cfg.Name,
		paths:       sunquestPaths,
		extraHeaders: map[string]string{
			"X-Client-Application": "medbridge",
		},
		probeType: "LabResult",
	}, nil
}

// NewOrchard creates an Orchard Harvest LIMS connector.
func NewOrchard(cfg *IntegrationConfig) (*RESTConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RESTConnector{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout()},
		systemLabel: cfg.Name,
		paths:       orchardPaths,
		extraHeaders: map[string]string{
			"Accept-Version": "2.0",
		},
		probeType: "LabResult",
	}, nil
}
