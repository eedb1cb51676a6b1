package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, partitions int) (*httptest.Server, *Dispatcher) {
	t.Helper()
	d := newTestDispatcher(t, partitions)
	m := NewMetrics(prometheus.NewRegistry())
	srv := NewHTTPServer(d, m, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func TestHandleHealth(t *testing.T) {
	ts, _ := newTestServer(t, 1)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandlePublishAndStatus(t *testing.T) {
	ts, _ := newTestServer(t, 1)

	body, _ := json.Marshal(Envelope{UID: "u1", Topic: "t", Payload: "p1"})
	resp, err := http.Post(ts.URL+"/api/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/publish: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200", resp.StatusCode)
	}
	var pr Response
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	if !pr.RS {
		t.Fatalf("publish response RS = false, detail=%s", pr.Detail)
	}

	statusResp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer statusResp.Body.Close()
	var st Status
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.RetainMessages != 1 || st.LastNonce != 1 {
		t.Fatalf("status = %+v, want RetainMessages=1 LastNonce=1", st)
	}
}

func TestHandlePublishInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t, 1)
	resp, err := http.Post(ts.URL+"/api/publish", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST /api/publish: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleTrim(t *testing.T) {
	ts, d := newTestServer(t, 1)
	if _, err := d.Publish(Envelope{Topic: "t", UID: "u", Payload: "p"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	resp, err := http.Get(ts.URL + "/api/trim/7/days")
	if err != nil {
		t.Fatalf("GET /api/trim/7/days: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var tr Response
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode trim response: %v", err)
	}
	if !tr.RS {
		t.Fatalf("trim response RS = false")
	}
}
