package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/coordinator"
	"github.com/flownet-io/go-flownet/engine"
	"github.com/flownet-io/go-flownet/wfnet"
)

func testSpec(t *testing.T) *wfnet.Specification {
	t.Helper()
	net := wfnet.Build("main", "").
		Start("start").
		Condition("mid").
		End("end").
		Task("a", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("start"), wfnet.Out("mid")).
		Task("b", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("mid"), wfnet.Out("end")).
		MustDone()
	spec := &wfnet.Specification{ID: "api-spec", Root: net}
	if err := spec.Validate(); err != nil {
		t.Fatal(err)
	}
	return spec
}

func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	store := caselog.NewMemoryStore()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	co := coordinator.New(engine.New(testSpec(t)), store, coordinator.WithLogger(quiet))
	t.Cleanup(func() { co.Close() })
	ts := httptest.NewServer(NewServer(co, WithStore(store), WithLogger(quiet)))
	t.Cleanup(ts.Close)
	return ts, co
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestCaseViaAPI(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/api/cases", map[string]any{"data": map[string]any{"customer": "acme"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("launch status = %d", resp.StatusCode)
	}
	var snap coordinator.CaseSnapshot
	decodeBody(t, resp, &snap)
	if snap.CaseID == "" || snap.Status != engine.StatusRunning {
		t.Fatalf("snapshot = %+v", snap)
	}
	base := ts.URL + "/api/cases/" + snap.CaseID

	// Drive the case: fire a, complete it, fire b, complete it.
	for _, task := range []string{"a", "b"} {
		resp = post(t, base+"/fire", map[string]any{"task": task})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fire %s status = %d", task, resp.StatusCode)
		}
		var fired struct {
			Instances []string `json:"instances"`
		}
		decodeBody(t, resp, &fired)
		if len(fired.Instances) != 1 {
			t.Fatalf("fire %s instances = %v", task, fired.Instances)
		}

		resp = post(t, base+"/complete", map[string]any{"instance": fired.Instances[0]})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("complete %s status = %d", task, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &snap)
	if snap.Status != engine.StatusCompleted {
		t.Errorf("final status = %s", snap.Status)
	}

	resp, err = http.Get(base + "/log")
	if err != nil {
		t.Fatal(err)
	}
	var logged struct {
		Records []*caselog.Record `json:"records"`
	}
	decodeBody(t, resp, &logged)
	if len(logged.Records) == 0 || logged.Records[0].Kind != caselog.KindCaseLaunched {
		t.Errorf("log = %v", logged.Records)
	}
	last := logged.Records[len(logged.Records)-1]
	if last.Kind != caselog.KindCaseCompleted {
		t.Errorf("last record kind = %s", last.Kind)
	}
}

func TestWorkItemsEndpoint(t *testing.T) {
	ts, co := newTestServer(t)
	caseID, err := co.Launch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/cases/" + caseID + "/workitems")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		WorkItems []*coordinator.WorkItem `json:"workitems"`
	}
	decodeBody(t, resp, &body)
	if len(body.WorkItems) != 1 || body.WorkItems[0].TaskID != "a" {
		t.Fatalf("workitems = %+v", body.WorkItems)
	}
	if body.WorkItems[0].State != coordinator.WorkItemOffered {
		t.Errorf("state = %s", body.WorkItems[0].State)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	ts, co := newTestServer(t)
	caseID, err := co.Launch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	base := ts.URL + "/api/cases/" + caseID

	resp := post(t, base+"/suspend", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Firing a suspended case is a state conflict.
	resp = post(t, base+"/fire", map[string]any{"task": "a"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("fire while suspended status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, base+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, base+"/cancel", map[string]any{"reason": "operator request"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	status, err := co.Status(caseID)
	if err != nil {
		t.Fatal(err)
	}
	if status != engine.StatusCancelled {
		t.Errorf("status after cancel = %s", status)
	}
}

func TestErrorMapping(t *testing.T) {
	ts, co := newTestServer(t)
	caseID, err := co.Launch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
	}{
		{
			"unknown case", func() *http.Response {
				resp, err := http.Get(ts.URL + "/api/cases/nope")
				if err != nil {
					t.Fatal(err)
				}
				return resp
			}, http.StatusNotFound,
		},
		{
			"unknown task", func() *http.Response {
				return post(t, ts.URL+"/api/cases/"+caseID+"/fire", map[string]any{"task": "ghost"})
			}, http.StatusNotFound,
		},
		{
			"task not fireable", func() *http.Response {
				return post(t, ts.URL+"/api/cases/"+caseID+"/fire", map[string]any{"task": "b"})
			}, http.StatusConflict,
		},
		{
			"bad body", func() *http.Response {
				resp, err := http.Post(ts.URL+"/api/cases", "application/json", bytes.NewReader([]byte("{")))
				if err != nil {
					t.Fatal(err)
				}
				return resp
			}, http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.do()
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}
