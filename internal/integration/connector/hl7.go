package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medbridge/medbridge/internal/integration/errs"
	"github.com/medbridge/medbridge/internal/platform/hl7v2"
)

// hl7Transport selects how HL7v2 messages reach the remote system.
type hl7Transport int

const (
	transportMLLP hl7Transport = iota
	transportHTTP
)

// HL7Connector exchanges HL7v2 messages with a remote interface engine over
// MLLP or HTTP POST. It maps ADT^A01 to Patient and ORU^R01 to Observation in
// both directions, and issues QRD/QRF queries for fetches.
type HL7Connector struct {
	cfg         *IntegrationConfig
	gen         *hl7v2.Generator
	transport   hl7Transport
	mllp        *hl7v2.MLLPClient
	httpClient  *http.Client
	httpURL     string
	systemLabel string
	connected   bool
	queryseq    int
}

// NewHL7 creates an HL7v2 connector. A baseUrl of the form "mllp://host:port"
// (or a bare "host:port") selects MLLP transport; "http(s)://..." selects
// HTTP POST.
func NewHL7(cfg *IntegrationConfig) (*HL7Connector, error) {
	if cfg.ID == "" || cfg.BaseURL == "" {
		return nil, errs.Configuration("hl7v2 connector requires id and baseUrl")
	}

	c := &HL7Connector{
		cfg:         cfg,
		gen:         hl7v2.NewGenerator("MEDBRIDGE", "MEDBRIDGE", cfg.Name, cfg.Name),
		systemLabel: cfg.Name,
	}

	switch {
	case strings.HasPrefix(cfg.BaseURL, "http://"), strings.HasPrefix(cfg.BaseURL, "https://"):
		c.transport = transportHTTP
		c.httpClient = &http.Client{Timeout: cfg.Timeout()}
		c.httpURL = cfg.BaseURL
	case strings.HasPrefix(cfg.BaseURL, "mllp://"):
		c.transport = transportMLLP
		c.mllp = hl7v2.NewMLLPClient(strings.TrimPrefix(cfg.BaseURL, "mllp://"), cfg.Timeout())
	default:
		c.transport = transportMLLP
		c.mllp = hl7v2.NewMLLPClient(cfg.BaseURL, cfg.Timeout())
	}

	return c, nil
}

// NewHL7Gateway creates a LIMS HL7-over-HTTP gateway connector. The gateway
// only speaks HTTP, so an MLLP-shaped baseUrl is rejected.
func NewHL7Gateway(cfg *IntegrationConfig) (*HL7Connector, error) {
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, errs.Configuration(fmt.Sprintf("config %s: hl7_gateway requires an http(s) baseUrl", cfg.ID))
	}
	return NewHL7(cfg)
}

// Connect opens the MLLP connection. HTTP transport is connectionless.
func (c *HL7Connector) Connect(ctx context.Context) error {
	if c.transport == transportMLLP {
		if err := c.mllp.Connect(ctx); err != nil {
			return errs.Connection(errs.Humanize(err, c.systemLabel), err)
		}
	}
	c.connected = true
	return nil
}

// Disconnect closes the MLLP connection if open.
func (c *HL7Connector) Disconnect(_ context.Context) error {
	c.connected = false
	if c.transport == transportMLLP {
		return c.mllp.Close()
	}
	return nil
}

// roundTrip delivers one framed message and returns the raw response bytes.
func (c *HL7Connector) roundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	if c.transport == transportMLLP {
		if !c.mllp.Connected() {
			if err := c.mllp.Connect(ctx); err != nil {
				return nil, errs.Connection(errs.Humanize(err, c.systemLabel), err)
			}
		}
		resp, err := c.mllp.RoundTrip(ctx, msg)
		if err != nil {
			return nil, errs.Connection(errs.Humanize(err, c.systemLabel), err)
		}
		return resp, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(msg))
	if err != nil {
		return nil, errs.Connection(err.Error(), err)
	}
	req.Header.Set("Content-Type", "x-application/hl7-v2+er7")
	for k, v := range c.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Connection(errs.Humanize(err, c.systemLabel), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.Authentication(fmt.Sprintf("%s rejected the configured credentials", c.systemLabel), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Connection(fmt.Sprintf("%s returned status %d", c.systemLabel, resp.StatusCode), nil)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// querySubject maps a resource type to the QRD-9 subject filter.
func querySubject(resourceType string) (string, error) {
	switch resourceType {
	case "Patient":
		return "DEM", nil
	case "Observation", "LabResult":
		return "RES", nil
	default:
		return "", errs.Data(resourceType, fmt.Sprintf("hl7v2 connector cannot query resource type %q", resourceType), false, nil)
	}
}

// Fetch issues a QRD/QRF query and maps the response segments back to
// resources. Recognized filters: patientId (QRD-8) and since (QRF time
// bound, RFC3339).
func (c *HL7Connector) Fetch(ctx context.Context, resourceType string, filters map[string]string) ([]Resource, error) {
	subject, err := querySubject(resourceType)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if s := filters["since"]; s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			since = t
		}
	}

	c.queryseq++
	queryID := fmt.Sprintf("%s-%d", c.cfg.ID, c.queryseq)

	query, err := c.gen.GenerateQuery(queryID, subject, filters["patientId"], since)
	if err != nil {
		return nil, errs.Data(resourceType, err.Error(), false, err)
	}

	raw, err := c.roundTrip(ctx, query)
	if err != nil {
		return nil, err
	}

	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, errs.Data(resourceType, fmt.Sprintf("parse response: %v", err), false, err)
	}

	if msa := msg.GetSegment("MSA"); msa != nil {
		if code := msa.GetField(1); code == "AE" || code == "AR" {
			return nil, errs.Data(resourceType, fmt.Sprintf("%s rejected query: %s", c.systemLabel, msa.GetField(3)), false, nil)
		}
	}

	switch subject {
	case "DEM":
		if msg.GetSegment("PID") == nil {
			return nil, nil
		}
		patient, err := hl7v2.PatientFromMessage(msg)
		if err != nil {
			return nil, errs.Data(resourceType, err.Error(), false, err)
		}
		return []Resource{Resource(patient)}, nil
	default:
		if len(msg.GetSegments("OBX")) == 0 {
			return nil, nil
		}
		observations, err := hl7v2.ObservationsFromMessage(msg)
		if err != nil {
			return nil, errs.Data(resourceType, err.Error(), false, err)
		}
		out := make([]Resource, 0, len(observations))
		for _, o := range observations {
			r := Resource(o)
			if resourceType != "Observation" {
				r["resourceType"] = resourceType
			}
			out = append(out, r)
		}
		return out, nil
	}
}

// Send maps the resource to an outbound message (Patient → ADT^A01,
// Observation → ORU^R01), delivers it, and verifies the acknowledgment.
func (c *HL7Connector) Send(ctx context.Context, resource Resource) (string, error) {
	var (
		msg []byte
		err error
	)

	switch resource.Type() {
	case "Patient":
		msg, err = c.gen.GenerateADT("A01", resource)
	case "Observation", "LabResult":
		msg, err = c.gen.GenerateORU([]map[string]interface{}{resource}, nil)
	default:
		return "", errs.Data(resource.Type(), fmt.Sprintf("hl7v2 connector cannot send resource type %q", resource.Type()), false, nil)
	}
	if err != nil {
		return "", errs.Data(resource.Type(), err.Error(), false, err)
	}

	raw, err := c.roundTrip(ctx, msg)
	if err != nil {
		return "", err
	}

	ack, err := hl7v2.Parse(raw)
	if err != nil {
		return "", errs.Data(resource.Type(), fmt.Sprintf("parse acknowledgment: %v", err), false, err)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		return "", errs.Data(resource.Type(), "acknowledgment has no MSA segment", false, nil)
	}
	if code := msa.GetField(1); code != "AA" && code != "CA" {
		return "", errs.Data(resource.Type(), fmt.Sprintf("%s rejected message: %s %s", c.systemLabel, code, msa.GetField(3)), false, nil)
	}

	if id := resource.ID(); id != "" {
		return id, nil
	}
	return msa.GetField(2), nil
}

// TestConnection verifies the transport endpoint is reachable.
func (c *HL7Connector) TestConnection(ctx context.Context) TestResult {
	if c.transport == transportMLLP {
		probe := hl7v2.NewMLLPClient(strings.TrimPrefix(c.cfg.BaseURL, "mllp://"), c.cfg.Timeout())
		if err := probe.Connect(ctx); err != nil {
			return TestResult{Success: false, Message: errs.Humanize(err, c.systemLabel)}
		}
		probe.Close()
		return TestResult{Success: true, Message: fmt.Sprintf("MLLP listener reachable at %s", c.cfg.BaseURL)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.httpURL, nil)
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	for k, v := range c.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TestResult{Success: false, Message: errs.Humanize(err, c.systemLabel)}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return TestResult{Success: false, Message: fmt.Sprintf("%s returned status %d", c.systemLabel, resp.StatusCode)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("gateway reachable at %s", c.cfg.BaseURL)}
}

// HealthCheck probes the transport and attempts a demographics query as the
// minimal data read. HL7v2 has no separate auth layer, so the authentication
// check mirrors transport acceptance.
func (c *HL7Connector) HealthCheck(ctx context.Context) Health {
	res := c.TestConnection(ctx)
	if !res.Success {
		return gradeHealth(false, false, false, res.Message)
	}

	data := false
	message := ""
	if _, err := c.Fetch(ctx, "Patient", nil); err == nil {
		data = true
	} else {
		message = errs.Humanize(err, c.systemLabel)
		if errs.KindOf(err) == errs.KindAuthentication {
			return gradeHealth(true, false, false, message)
		}
	}

	return gradeHealth(true, true, data, message)
}
