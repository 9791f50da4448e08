package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/somatechlat/voyant/pkg/tenant"
)

func newTestServer(t *testing.T) (*httptest.Server, *Context) {
	t.Helper()
	c, _ := newTestContext(t)

	r := chi.NewRouter()
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(tenant.HeaderMiddleware("X-Tenant-ID"))
		api.Mount("/", NewHandler(c).Routes())
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, c
}

func doJSON(t *testing.T, method, url, tenantID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHandlerSubmitAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "t1",
		`{"job_type":"analyze","params":{"table":"orders"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID, "t1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	job, _ := body["job"].(map[string]any)
	if job["status"] != "queued" {
		t.Errorf("job = %v", job)
	}
}

func TestHandlerRequiresTenantHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "",
		`{"job_type":"analyze"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without tenant header", resp.StatusCode)
	}
}

func TestHandlerRejectsBadJobType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "t1",
		`{"job_type":"mine-bitcoin"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, body = %v, want 422", resp.StatusCode, body)
	}
}

func TestHandlerQuotaRejectionCarriesRetryAfter(t *testing.T) {
	srv, c := newTestServer(t)

	for i := 0; i < 10; i++ {
		if err := c.Quotas.RecordJobStart("t1"); err != nil {
			t.Fatal(err)
		}
		c.Quotas.RecordJobEnd("t1")
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "t1",
		`{"job_type":"analyze"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %v, want 429", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing on daily quota rejection")
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["kind"] != "quota_exceeded" {
		t.Errorf("error = %v", errBody)
	}
}

func TestHandlerCancelAndEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "t1",
		`{"job_type":"profile"}`)
	jobID := body["job_id"].(string)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/cancel", "t1", "")
	if resp.StatusCode != http.StatusOK || body["cancelled"] != true {
		t.Fatalf("cancel = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/events/recent?limit=10", "t1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}
	evs, _ := body["events"].([]any)
	if len(evs) != 2 { // job.created + job.cancelled
		t.Errorf("events = %v", evs)
	}
}

func TestHandlerQueueStatsAndQuotas(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "t1", `{"job_type":"analyze"}`)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/stats", "t1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	if body["queued"] != float64(1) {
		t.Errorf("stats = %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/quotas/status", "t1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quotas = %d", resp.StatusCode)
	}
	tier, _ := body["tier"].(map[string]any)
	if tier["name"] != "free" {
		t.Errorf("tier = %v", tier)
	}
}

func TestHandlerPrune(t *testing.T) {
	srv, c := newTestServer(t)

	// Not wired in this process.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ops/prune", "t1", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when maintenance is absent", resp.StatusCode)
	}

	ran := false
	c.RunMaintenance = func(ctx context.Context) { ran = true }
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ops/prune", "t1", "")
	if resp.StatusCode != http.StatusAccepted || body["triggered"] != true {
		t.Fatalf("prune = %d %v", resp.StatusCode, body)
	}
	if !ran {
		t.Error("maintenance hook not invoked")
	}
}
