package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shadowqmc/shadowqmc/internal/barrier"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()
	dir := t.TempDir()

	local, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	store := shard.NewStore(local, 4)
	stats := observability.NewJobStats(time.Hour)
	b := barrier.New(barrier.Config{PollInterval: 5 * time.Millisecond, MaxAttempts: 2}, store, stats)
	p := pipeline.New(store, catalog, b, stats)

	srv := httptest.NewServer(NewJobsHandler(p, stats).Routes())
	t.Cleanup(srv.Close)
	return srv, p
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response should carry a request id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSubmitReduceStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/jobs/job-h"

	shards := []string{
		`{"shard_index":0,"local_energies_real":[2,4],"local_energies_imag":[0,0],"weights":[1,3]}`,
		`{"shard_index":1,"local_energies_real":[6,0],"local_energies_imag":[0,0],"weights":[1,1]}`,
	}
	for _, body := range shards {
		resp := postJSON(t, base+"/shards", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit status = %d, want 201", resp.StatusCode)
		}
		var sr SubmitResponse
		decode(t, resp, &sr)
		if sr.JobID != "job-h" || sr.Digest == "" {
			t.Errorf("unexpected submit response %+v", sr)
		}
	}

	resp := postJSON(t, base+"/reduce?shards=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reduce status = %d, want 200", resp.StatusCode)
	}
	var rr ReduceResponse
	decode(t, resp, &rr)
	if len(rr.Energies) != 2 || rr.Energies[0] != 4 || rr.Energies[1] != 3 {
		t.Errorf("energies = %v, want [4 3]", rr.Energies)
	}
	if rr.Diagnostics == nil || rr.Diagnostics.Shards != 2 {
		t.Errorf("diagnostics = %+v", rr.Diagnostics)
	}

	get, err := http.Get(base + "?shards=2")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	defer get.Body.Close()
	var st StatusResponse
	decode(t, get, &st)
	if !st.Reduced || len(st.Missing) != 0 || len(st.Present) != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/jobs/job-e"

	first := postJSON(t, base+"/shards", `{"shard_index":0,"local_energies_real":[1],"local_energies_imag":[0],"weights":[1]}`)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first submit status = %d", first.StatusCode)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"duplicate shard", "/shards", `{"shard_index":0,"local_energies_real":[1],"local_energies_imag":[0],"weights":[1]}`, http.StatusConflict, "DUPLICATE_SHARD"},
		{"length mismatch", "/shards", `{"shard_index":1,"local_energies_real":[1,2],"local_energies_imag":[0],"weights":[1]}`, http.StatusBadRequest, "SHAPE_MISMATCH"},
		{"negative weight", "/shards", `{"shard_index":1,"local_energies_real":[1],"local_energies_imag":[0],"weights":[-1]}`, http.StatusBadRequest, "NEGATIVE_WEIGHT"},
		{"missing index", "/shards", `{"local_energies_real":[1],"local_energies_imag":[0],"weights":[1]}`, http.StatusBadRequest, ""},
		{"wrong job in body", "/shards", `{"job_id":"other","shard_index":1,"local_energies_real":[1],"local_energies_imag":[0],"weights":[1]}`, http.StatusBadRequest, ""},
		{"incomplete shards", "/reduce?shards=3", "", http.StatusConflict, "INCOMPLETE_SHARDS"},
		{"bad shards param", "/reduce?shards=x", "", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, base+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var er ErrorResponse
			decode(t, resp, &er)
			if er.Code != tt.code {
				t.Errorf("code = %q, want %q", er.Code, tt.code)
			}
			if er.RequestID == "" {
				t.Error("error response should carry a request id")
			}
		})
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := DefaultMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var er ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&er); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if er.RequestID != "req-7" {
		t.Errorf("request id = %q, want req-7", er.RequestID)
	}
}
