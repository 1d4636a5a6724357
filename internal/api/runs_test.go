package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grburgess/cmdstanpy/internal/model"
)

func postRun(t *testing.T, ts *httptest.Server, cfg model.RunConfig) *http.Response {
	t.Helper()
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	return resp
}

func TestCreateRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts, makeRunConfig(t, 2))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.ID == "" {
		t.Error("run ID is empty")
	}
	if run.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", run.Status)
	}
	if run.Chains != 2 {
		t.Errorf("chains = %d, want 2", run.Chains)
	}

	done := waitForRun(t, srv, run.ID, model.StatusSucceeded, 5*time.Second)
	if done.Converged == nil || !*done.Converged {
		t.Errorf("converged = %v, want true", done.Converged)
	}
}

func TestCreateRunInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateRunBadConfig(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cfg := makeRunConfig(t, 1)
	cfg.Method = "mcmc"
	resp := postRun(t, ts, cfg)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		resp := postRun(t, ts, makeRunConfig(t, 1))
		var run model.Run
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			t.Fatalf("decode run %d: %v", i, err)
		}
		resp.Body.Close()
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		waitForRun(t, srv, id, model.StatusSucceeded, 5*time.Second)
	}

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}
	if len(list.Runs) != 2 {
		t.Errorf("runs = %d, want 2 (limit)", len(list.Runs))
	}
}

func TestGetChains(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts, makeRunConfig(t, 2))
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	resp.Body.Close()
	waitForRun(t, srv, run.ID, model.StatusSucceeded, 5*time.Second)

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/chains")
	if err != nil {
		t.Fatalf("GET chains: %v", err)
	}
	defer resp.Body.Close()

	var chains []model.Chain
	if err := json.NewDecoder(resp.Body).Decode(&chains); err != nil {
		t.Fatalf("decode chains: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("chains = %d, want 2", len(chains))
	}
	for i, c := range chains {
		if c.Chain != i+1 {
			t.Errorf("chain[%d].Chain = %d, want %d", i, c.Chain, i+1)
		}
		if c.Status != model.StatusSucceeded {
			t.Errorf("chain %d status = %q, want succeeded", c.Chain, c.Status)
		}
	}
}

func TestKillRun(t *testing.T) {
	srv := newTestServerWith(t, &stubRunner{delay: 5 * time.Second, csv: sampleCSV})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts, makeRunConfig(t, 1))
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	resp.Body.Close()
	waitForRun(t, srv, run.ID, model.StatusRunning, 5*time.Second)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+run.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	done := waitForRun(t, srv, run.ID, model.StatusErrored, 5*time.Second)
	if done.Error == "" {
		t.Error("killed run should record an error")
	}

	// A second kill should conflict.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+run.ID, nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("second kill status = %d, want 409", resp2.StatusCode)
	}
}

func TestKillRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/runs/%s", ts.URL, "nonexistent"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
