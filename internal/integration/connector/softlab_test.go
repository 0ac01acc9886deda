package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medbridge/medbridge/internal/integration/errs"
)

func softLabConfig(baseURL string) *IntegrationConfig {
	return &IntegrationConfig{
		ID:       "softlab-1",
		Name:     "SoftLab",
		Type:     SystemSoftLab,
		BaseURL:  baseURL,
		AuthType: AuthBasic,
		Username: "svc",
		Password: "pw",
		Enabled:  true,
	}
}

func softLabServer(t *testing.T) (*httptest.Server, *struct{ logins, logouts int }) {
	t.Helper()
	counters := &struct{ logins, logouts int }{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		counters.logins++
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "svc" || creds["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sessionToken": "sess-1"})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		counters.logouts++
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/results", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(softLabTokenHeader) != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{{"id": "lr-1", "analyte": "GLU"}},
		})
	})
	return httptest.NewServer(mux), counters
}

func TestSoftLab_SessionLifecycle(t *testing.T) {
	srv, counters := softLabServer(t)
	defer srv.Close()

	c, err := NewSoftLab(softLabConfig(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fetch without a session fails with 401.
	if _, err := c.Fetch(context.Background(), "LabResult", nil); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("pre-login fetch: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if counters.logins != 1 {
		t.Errorf("logins = %d", counters.logins)
	}

	resources, err := c.Fetch(context.Background(), "LabResult", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(resources) != 1 || resources[0].ID() != "lr-1" {
		t.Errorf("resources = %v", resources)
	}
	if resources[0].Type() != "LabResult" {
		t.Errorf("resourceType = %q", resources[0].Type())
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if counters.logouts != 1 {
		t.Errorf("logouts = %d", counters.logouts)
	}

	// Session token is gone after disconnect.
	if _, err := c.Fetch(context.Background(), "LabResult", nil); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("post-logout fetch: %v", err)
	}
}

func TestSoftLab_BadCredentials(t *testing.T) {
	srv, _ := softLabServer(t)
	defer srv.Close()

	cfg := softLabConfig(srv.URL)
	cfg.Password = "wrong"
	c, _ := NewSoftLab(cfg)

	err := c.Connect(context.Background())
	var ie *errs.Error
	if !errors.As(err, &ie) || ie.Kind != errs.KindAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestSoftLab_RequiresCredentials(t *testing.T) {
	cfg := softLabConfig("https://lims.example.org")
	cfg.Username = ""
	if _, err := NewSoftLab(cfg); errs.KindOf(err) != errs.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestSoftLab_DisconnectSwallowsLogoutFailure(t *testing.T) {
	srv, counters := softLabServer(t)
	c, _ := NewSoftLab(softLabConfig(srv.URL))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.Close()

	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("disconnect after server gone: %v", err)
	}
	if counters.logouts != 0 {
		t.Errorf("logouts = %d", counters.logouts)
	}
}

func TestSoftLab_HealthCheckLogsIn(t *testing.T) {
	srv, counters := softLabServer(t)
	defer srv.Close()

	c, _ := NewSoftLab(softLabConfig(srv.URL))
	h := c.HealthCheck(context.Background())
	if h.Status != HealthHealthy {
		t.Errorf("status = %s (%+v)", h.Status, h)
	}
	if counters.logins != 1 {
		t.Errorf("logins = %d", counters.logins)
	}
}
