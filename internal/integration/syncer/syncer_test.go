package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/errs"
	"github.com/medbridge/medbridge/internal/integration/mapping"
	"github.com/medbridge/medbridge/internal/platform/store"
)

// fakeConnector scripts Fetch and Send behavior per test.
type fakeConnector struct {
	mu         sync.Mutex
	fetches    []map[string]string
	sent       []connector.Resource
	fetchFn    func(call int, filters map[string]string) ([]connector.Resource, error)
	sendFn     func(call int, r connector.Resource) (string, error)
	connectErr error
}

func (f *fakeConnector) Connect(context.Context) error    { return f.connectErr }
func (f *fakeConnector) Disconnect(context.Context) error { return nil }

func (f *fakeConnector) Fetch(_ context.Context, _ string, filters map[string]string) ([]connector.Resource, error) {
	f.mu.Lock()
	call := len(f.fetches)
	copied := map[string]string{}
	for k, v := range filters {
		copied[k] = v
	}
	f.fetches = append(f.fetches, copied)
	f.mu.Unlock()
	if f.fetchFn == nil {
		return nil, nil
	}
	return f.fetchFn(call, copied)
}

func (f *fakeConnector) Send(_ context.Context, r connector.Resource) (string, error) {
	f.mu.Lock()
	call := len(f.sent)
	f.sent = append(f.sent, r)
	f.mu.Unlock()
	if f.sendFn == nil {
		return r.ID(), nil
	}
	return f.sendFn(call, r)
}

func (f *fakeConnector) TestConnection(context.Context) connector.TestResult {
	return connector.TestResult{Success: true}
}

func (f *fakeConnector) HealthCheck(context.Context) connector.Health {
	return connector.Health{Status: connector.HealthHealthy}
}

// fakeLocal collects saved resources and serves a scripted pending set.
type fakeLocal struct {
	mu      sync.Mutex
	saved   []connector.Resource
	pending []connector.Resource
	pushed  []string
	saveErr func(r connector.Resource) error
}

func (f *fakeLocal) SaveResource(_ context.Context, _ string, r connector.Resource) error {
	if f.saveErr != nil {
		if err := f.saveErr(r); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.saved = append(f.saved, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeLocal) PendingResources(context.Context, string, string) ([]connector.Resource, error) {
	return f.pending, nil
}

func (f *fakeLocal) MarkPushed(_ context.Context, _ string, r connector.Resource, remoteID string) error {
	f.mu.Lock()
	f.pushed = append(f.pushed, remoteID)
	f.mu.Unlock()
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(eventType string, _ map[string]interface{}) {
	f.mu.Lock()
	f.events = append(f.events, eventType)
	f.mu.Unlock()
}

func syncConfig() *connector.IntegrationConfig {
	return &connector.IntegrationConfig{
		ID:       "cfg-1",
		Name:     "Test HIS",
		Type:     connector.SystemGenericREST,
		BaseURL:  "http://his.example.org",
		AuthType: connector.AuthAPIKey,
		APIKey:   "k",
		Enabled:  true,
	}
}

func newOrchestrator(fc *fakeConnector, fl *fakeLocal, em EventEmitter, batch int) *Orchestrator {
	o := New(Options{
		Factory:   func(*connector.IntegrationConfig) (connector.Connector, error) { return fc, nil },
		Local:     fl,
		Emitter:   em,
		BatchSize: batch,
		RetryBase: time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func resources(n, offset int) []connector.Resource {
	out := make([]connector.Resource, n)
	for i := range out {
		out[i] = connector.Resource{
			"resourceType": "Patient",
			"id":           "p" + strconv.Itoa(offset+i),
		}
	}
	return out
}

func TestStartSync_RejectsDisabledConfig(t *testing.T) {
	o := newOrchestrator(&fakeConnector{}, &fakeLocal{}, nil, 10)

	cfg := syncConfig()
	cfg.Enabled = false
	if _, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil); errs.KindOf(err) != errs.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}

	if _, err := o.StartSync(context.Background(), nil, "Patient", DirectionPull, nil); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestStartSync_RejectsUnsyncedResourceType(t *testing.T) {
	o := newOrchestrator(&fakeConnector{}, &fakeLocal{}, nil, 10)
	cfg := syncConfig()
	cfg.ResourceTypes = []string{"Observation"}
	if _, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil); errs.KindOf(err) != errs.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPull_PaginatesByCursor(t *testing.T) {
	fc := &fakeConnector{
		fetchFn: func(call int, filters map[string]string) ([]connector.Resource, error) {
			switch call {
			case 0:
				return resources(3, 0), nil
			case 1:
				if filters["_cursor"] != "p2" {
					t.Errorf("second batch cursor = %q", filters["_cursor"])
				}
				return resources(1, 3), nil
			default:
				t.Error("unexpected third fetch")
				return nil, nil
			}
		},
	}
	fl := &fakeLocal{}
	o := newOrchestrator(fc, fl, nil, 3)

	result, err := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPull, map[string]string{"status": "active"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if result.Status != StatusSuccess {
		t.Errorf("status = %s (%v)", result.Status, result.Errors)
	}
	if result.RecordsProcessed != 4 || result.RecordsSuccessful != 4 {
		t.Errorf("counts = %+v", result)
	}
	if len(fl.saved) != 4 {
		t.Errorf("saved = %d", len(fl.saved))
	}
	if fc.fetches[0]["_count"] != "3" || fc.fetches[0]["status"] != "active" {
		t.Errorf("first batch filters = %v", fc.fetches[0])
	}
	if _, hasCursor := fc.fetches[0]["_cursor"]; hasCursor {
		t.Error("first batch must not carry a cursor")
	}
}

func TestPull_RetriesBatchFetch(t *testing.T) {
	fc := &fakeConnector{
		fetchFn: func(call int, _ map[string]string) ([]connector.Resource, error) {
			if call == 0 {
				return nil, errs.Connection("connection reset by peer", nil)
			}
			return resources(1, 0), nil
		},
	}
	o := newOrchestrator(fc, &fakeLocal{}, nil, 10)

	result, err := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPull, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Errorf("status = %s (%v)", result.Status, result.Errors)
	}
	if len(fc.fetches) != 2 {
		t.Errorf("fetches = %d", len(fc.fetches))
	}
}

func TestPull_NonRecoverableFetchFailsRun(t *testing.T) {
	fc := &fakeConnector{
		fetchFn: func(int, map[string]string) ([]connector.Resource, error) {
			return nil, errs.Authentication("credentials rejected", nil)
		},
	}
	em := &fakeEmitter{}
	o := newOrchestrator(fc, &fakeLocal{}, em, 10)

	result, err := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPull, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Status != StatusError {
		t.Errorf("status = %s", result.Status)
	}
	if len(fc.fetches) != 1 {
		t.Errorf("auth errors must not retry, fetches = %d", len(fc.fetches))
	}
	if len(em.events) != 1 || em.events[0] != "sync.failed" {
		t.Errorf("events = %v", em.events)
	}
}

func TestPull_RecordFailureDoesNotAbortBatch(t *testing.T) {
	fc := &fakeConnector{
		fetchFn: func(call int, _ map[string]string) ([]connector.Resource, error) {
			if call == 0 {
				return resources(3, 0), nil
			}
			return nil, nil
		},
	}
	fl := &fakeLocal{
		saveErr: func(r connector.Resource) error {
			if r.ID() == "p1" {
				return fmt.Errorf("disk full")
			}
			return nil
		},
	}
	o := newOrchestrator(fc, fl, nil, 10)

	result, _ := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPull, nil)
	if result.Status != StatusError {
		t.Errorf("status = %s", result.Status)
	}
	if result.RecordsSuccessful != 2 || result.RecordsFailed != 1 {
		t.Errorf("counts = %+v", result)
	}
	if len(result.Errors) != 1 || !result.Errors[0].Recoverable {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestPush_ContinuesPastRecordFailures(t *testing.T) {
	fc := &fakeConnector{
		sendFn: func(call int, r connector.Resource) (string, error) {
			if r.ID() == "p1" {
				return "", errs.Data("Patient", "validation failed", false, nil)
			}
			return "remote-" + r.ID(), nil
		},
	}
	fl := &fakeLocal{pending: resources(3, 0)}
	em := &fakeEmitter{}
	o := newOrchestrator(fc, fl, em, 10)

	result, err := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPush, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.RecordsSuccessful != 2 || result.RecordsFailed != 1 {
		t.Errorf("counts = %+v", result)
	}
	if len(fl.pushed) != 2 {
		t.Errorf("pushed = %v", fl.pushed)
	}
	if em.events[0] != "sync.failed" {
		t.Errorf("events = %v", em.events)
	}
}

func TestPush_ConnectionFailureAbortsPhase(t *testing.T) {
	fc := &fakeConnector{
		sendFn: func(call int, r connector.Resource) (string, error) {
			if r.ID() == "p0" {
				return "", errs.Connection("connection refused", nil)
			}
			return r.ID(), nil
		},
	}
	fl := &fakeLocal{pending: resources(3, 0)}
	o := New(Options{
		Factory:    func(*connector.IntegrationConfig) (connector.Connector, error) { return fc, nil },
		Local:      fl,
		MaxRetries: 1,
		RetryBase:  time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	o.sleep = func(context.Context, time.Duration) error { return nil }

	result, _ := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPush, nil)
	if result.Status != StatusError {
		t.Errorf("status = %s", result.Status)
	}
	// p0 failed with a connection error, so p1 and p2 were never attempted.
	if result.RecordsProcessed != 1 {
		t.Errorf("processed = %d", result.RecordsProcessed)
	}
}

func TestBidirectional_PullCompletesBeforePush(t *testing.T) {
	var order []string
	fc := &fakeConnector{
		fetchFn: func(int, map[string]string) ([]connector.Resource, error) {
			order = append(order, "pull")
			return nil, nil
		},
		sendFn: func(int, connector.Resource) (string, error) {
			order = append(order, "push")
			return "x", nil
		},
	}
	fl := &fakeLocal{pending: resources(1, 0)}
	o := newOrchestrator(fc, fl, nil, 10)

	result, _ := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionBidirectional, nil)
	if result.Status != StatusSuccess {
		t.Errorf("status = %s (%v)", result.Status, result.Errors)
	}
	if len(order) != 2 || order[0] != "pull" || order[1] != "push" {
		t.Errorf("order = %v", order)
	}
}

func TestStartSync_SingleFlightPerPair(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fc := &fakeConnector{
		fetchFn: func(int, map[string]string) ([]connector.Resource, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	o := newOrchestrator(fc, &fakeLocal{}, nil, 10)
	cfg := syncConfig()

	done := make(chan *Result)
	go func() {
		r, _ := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil)
		done <- r
	}()
	<-started

	// Same pair: rejected while the first run is in flight.
	if _, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil); errs.KindOf(err) != errs.KindConfiguration {
		t.Errorf("expected rejection, got %v", err)
	}

	// Different resource type for the same config: allowed.
	fc2 := &fakeConnector{}
	o.factory = func(*connector.IntegrationConfig) (connector.Connector, error) { return fc2, nil }
	if _, err := o.StartSync(context.Background(), cfg, "Observation", DirectionPull, nil); err != nil {
		t.Errorf("different pair should run: %v", err)
	}

	close(release)
	r := <-done
	if r.Status != StatusSuccess {
		t.Errorf("first run status = %s", r.Status)
	}

	// The flag is released: the same pair can run again.
	o.factory = func(*connector.IntegrationConfig) (connector.Connector, error) { return &fakeConnector{}, nil }
	if _, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil); err != nil {
		t.Errorf("rerun after completion: %v", err)
	}
}

func TestHistoryAndRunLog(t *testing.T) {
	st := store.NewMemoryStore()
	fc := &fakeConnector{}
	o := New(Options{
		Factory: func(*connector.IntegrationConfig) (connector.Connector, error) { return fc, nil },
		Local:   &fakeLocal{},
		Store:   st,
		Logger:  zerolog.Nop(),
	})

	result, err := o.StartSync(context.Background(), syncConfig(), "Patient", DirectionPull, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if runs := o.History(10); len(runs) != 1 || runs[0].ID != result.ID {
		t.Errorf("history = %v", runs)
	}

	b, err := st.Get(context.Background(), "synclog:"+result.ID)
	if err != nil || b == nil {
		t.Errorf("run log not persisted: %v %v", b, err)
	}
}

func TestStartSync_PullAppliesFieldMappings(t *testing.T) {
	fc := &fakeConnector{
		fetchFn: func(call int, _ map[string]string) ([]connector.Resource, error) {
			if call > 0 {
				return nil, nil
			}
			return []connector.Resource{{
				"resourceType": "Patient",
				"id":           "p1",
				"name":         map[string]interface{}{"family": "doe"},
				"gender":       "F",
			}}, nil
		},
	}
	fl := &fakeLocal{}
	o := newOrchestrator(fc, fl, nil, 10)

	cfg := syncConfig()
	cfg.FieldMappings = []mapping.FieldMapping{
		{LocalField: "lastName", RemoteField: "name.family", TransformIn: "toUpperCase"},
		{LocalField: "gender", RemoteField: "gender", TransformIn: "genderToFHIR"},
	}

	result, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPull, nil)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if len(fl.saved) != 1 {
		t.Fatalf("saved %d resources, want 1", len(fl.saved))
	}

	got := fl.saved[0]
	if got["lastName"] != "DOE" {
		t.Errorf("lastName = %v, want DOE", got["lastName"])
	}
	if got["gender"] != "female" {
		t.Errorf("gender = %v, want female", got["gender"])
	}
	if got.ID() != "p1" {
		t.Errorf("id = %q, want p1 carried through the mapping", got.ID())
	}
	if _, ok := got["name"]; ok {
		t.Error("unmapped remote field leaked into the local record")
	}
}

func TestStartSync_PushAppliesFieldMappings(t *testing.T) {
	fc := &fakeConnector{}
	fl := &fakeLocal{
		pending: []connector.Resource{{
			"resourceType": "Patient",
			"id":           "p9",
			"lastName":     "Smith",
		}},
	}
	o := newOrchestrator(fc, fl, nil, 10)

	cfg := syncConfig()
	cfg.FieldMappings = []mapping.FieldMapping{
		{LocalField: "lastName", RemoteField: "name.family", TransformOut: "toUpperCase"},
	}

	result, err := o.StartSync(context.Background(), cfg, "Patient", DirectionPush, nil)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if len(fc.sent) != 1 {
		t.Fatalf("sent %d resources, want 1", len(fc.sent))
	}

	sent := fc.sent[0]
	name, _ := sent["name"].(map[string]interface{})
	if name == nil || name["family"] != "SMITH" {
		t.Errorf("sent name = %v, want family SMITH", sent["name"])
	}
	if sent.ID() != "p9" {
		t.Errorf("sent id = %q, want p9", sent.ID())
	}
	if _, ok := sent["lastName"]; ok {
		t.Error("local field name leaked into the outbound record")
	}
}
