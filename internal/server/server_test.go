package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/persona"
)

const workflowYAML = `workflow:
  id: wf-1
  name: demo
nodes:
  - id: A
    persona: p-a
    phase: requirements
  - id: B
    persona: p-b
    phase: requirements
    depends_on: [A]
contracts:
  - id: api-v1
    provider: A
    spec:
      artifacts:
        - name: api.yaml
          kind: openapi
    consumers:
      - node: B
        expects:
          artifacts:
            - name: api.yaml
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("wf-1")
	cfg.Run.BackoffMs = 0
	reg := persona.NewRegistry()
	pass := persona.StubStep{Status: "pass", Metrics: map[string]float64{"clarity": 90, "coverage": 90}}
	reg.Register("p-a", persona.NewStub(pass))
	reg.Register("p-b", persona.NewStub(pass))
	e := engine.New(conn, cfg, reg)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", DevActor: "tester"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func importAndStart(t *testing.T, srv *testServer) SessionResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/import",
		map[string]any{"yaml": workflowYAML}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions",
		map[string]any{"workflow_id": "wf-1"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	var s SessionResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return s
}

func TestRunAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := importAndStart(t, srv)

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/run", nil, nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", runRes.StatusCode, string(runBody))
	}
	var done SessionResponse
	if err := json.Unmarshal(runBody, &done); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if done.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s: %s", done.Status, string(runBody))
	}

	stRes, stBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/status", nil, nil)
	if stRes.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", stRes.StatusCode, string(stBody))
	}
	var status engine.SessionStatus
	if err := json.Unmarshal(stBody, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Counts[domain.NodeSucceeded] != 2 {
		t.Fatalf("succeeded count = %d: %s", status.Counts[domain.NodeSucceeded], string(stBody))
	}
	if len(status.Blockers) != 0 {
		t.Fatalf("unexpected blockers: %v", status.Blockers)
	}
}

func TestStatusListsContractBlockers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := importAndStart(t, srv)

	evoRes, evoBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/api-v1/evolve", map[string]any{
		"spec":     map[string]any{"artifacts": []map[string]any{{"name": "api-v2.yaml"}}},
		"breaking": true,
	}, nil)
	if evoRes.StatusCode != http.StatusOK {
		t.Fatalf("evolve status %d: %s", evoRes.StatusCode, string(evoBody))
	}

	stRes, stBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/status", nil, nil)
	if stRes.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", stRes.StatusCode, string(stBody))
	}
	var status engine.SessionStatus
	if err := json.Unmarshal(stBody, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(status.Blockers["B"]) == 0 {
		t.Fatalf("consumer B should report a stale contract blocker: %s", string(stBody))
	}
}

func TestBindIncompatibleContractConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importAndStart(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/api-v1/bindings", map[string]any{
		"node_id": "B",
		"expects": map[string]any{"artifacts": []map[string]any{{"name": "missing.sql"}}},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "contract_incompatible" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestImportCycleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	cyclic := `workflow:
  id: wf-cyc
nodes:
  - id: A
    persona: p-a
    phase: requirements
    depends_on: [B]
  - id: B
    persona: p-b
    phase: requirements
    depends_on: [A]
`
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/import",
		map[string]any{"yaml": cyclic}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "dependency_cycle" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestCancelThenResumeRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := importAndStart(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/resume", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("resume after cancel should conflict, got %d: %s", res.StatusCode, string(body))
	}
}

func TestEventsCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := importAndStart(t, srv)

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/run", nil, nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", runRes.StatusCode, string(runBody))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/events?limit=3", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var page EventsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Events) != 3 || page.Cursor != page.Events[2].Seq {
		t.Fatalf("page = %d events, cursor %d", len(page.Events), page.Cursor)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/events?after=3&limit=500", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var rest EventsResponse
	if err := json.Unmarshal(body, &rest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	for _, evt := range rest.Events {
		if evt.Seq <= 3 {
			t.Fatalf("cursor not honored: seq %d", evt.Seq)
		}
	}
}

func TestUnauthenticatedRejectedWithoutDevActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	handler, err := New(Config{
		Engine:   srv.Engine,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go (&http.Server{Handler: handler}).Serve(ln)
	url := "http://" + ln.Addr().String()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, url+"/v0/workflows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}

	// a minted dev token works
	loginRes, loginBody := doJSON(t, srv.Client(), http.MethodPost, url+"/v0/auth/dev/login",
		map[string]any{"actor_id": "alice"}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, url+"/v0/workflows", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request failed: %d", res.StatusCode)
	}
}
