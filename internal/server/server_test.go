package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"crmflow/internal/crm"
	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/events"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/mutator"
	"crmflow/internal/policy"
	"crmflow/internal/repo"
	"crmflow/internal/scheduler"
	crmflowsdk "crmflow/sdk/go"
)

const testSecret = "test-secret"

var devHeaders = map[string]string{"X-Actor-Id": "alice", "X-Tenant-Id": "t1"}

type fakeJobs struct {
	mu      sync.Mutex
	running map[string]bool
}

func (f *fakeJobs) Status() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: "orgs", Interval: time.Hour, Runs: 3, LastStatus: "succeeded"}}
}

func (f *fakeJobs) Trigger(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "orgs" {
		return scheduler.ErrUnknownJob
	}
	if f.running[name] {
		return scheduler.ErrAlreadyRunning
	}
	f.running[name] = true
	return nil
}

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
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := mutator.Default(crm.Services(conn, nil))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pol := policy.Store{DB: conn, Repo: repo.Repo{DB: conn}, Events: events.Writer{DB: conn}, Types: reg.Types}
	e := engine.New(conn, reg, pol, logging.Discard())
	handler, err := New(Config{
		Engine: e,
		Policy: pol,
		Jobs:   &fakeJobs{running: map[string]bool{}},
		Auth:   AuthConfig{JWTSecret: testSecret, AllowDevHeaders: true, Logger: logging.Discard()},
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
			srv.Shutdown(context.Background())
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return env.Error.Code
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/proposals", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateListApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"entity_type": "organization",
		"operation":   "create",
		"payload":     map[string]any{"name": "Acme", "website": "https://acme.example"},
	}, devHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	created := decode[domain.Proposal](t, data)
	if created.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals?status=pending", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	list := decode[ProposalListResponse](t, data)
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list.TotalPages != 1 {
		t.Fatalf("expected one page, got %d", list.TotalPages)
	}

	// another tenant sees nothing
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+created.ID, nil, map[string]string{"X-Actor-Id": "bob", "X-Tenant-Id": "t2"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 across tenants, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+created.ID+"/approve", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	approved := decode[domain.Proposal](t, data)
	if approved.Status != domain.StatusExecuted || approved.ResultEntityID == nil {
		t.Fatalf("expected executed with result entity, got %+v", approved)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+created.ID+"/reject", nil, devHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 rejecting executed proposal, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+created.ID+"&limit=1", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	evts := decode[paginatedEvents](t, data)
	if len(evts.Items) != 1 || evts.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %+v", evts)
	}
}

func TestApproveWithValidationErrorsIsBlocked(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"entity_type": "contact",
		"operation":   "create",
		"payload":     map[string]any{"first_name": "Ada", "email": "not-an-email"},
	}, devHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	p := decode[domain.Proposal](t, data)
	if len(p.ValidationErrors) == 0 {
		t.Fatalf("expected validation errors")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, devHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_blocked" {
		t.Fatalf("expected validation_blocked, got %q", code)
	}

	// fixing the payload unblocks approval
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/proposals/"+p.ID+"/payload", map[string]any{
		"payload": map[string]any{"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com"},
	}, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update payload status %d: %s", res.StatusCode, string(data))
	}
	if updated := decode[domain.Proposal](t, data); len(updated.ValidationErrors) != 0 {
		t.Fatalf("expected clean validation, got %+v", updated.ValidationErrors)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownEntityTypeIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"entity_type": "spaceship",
		"operation":   "create",
	}, devHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBulkApproveReportsPerProposal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var ids []string
	for _, content := range []string{"first", "second"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
			"entity_type": "note",
			"operation":   "create",
			"payload":     map[string]any{"content": content},
		}, devHeaders)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
		ids = append(ids, decode[domain.Proposal](t, data).ID)
	}
	ids = append(ids, "missing")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/bulk-approve", map[string]any{"ids": ids}, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk status %d: %s", res.StatusCode, string(data))
	}
	out := decode[BulkResponse](t, data)
	if len(out.Succeeded) != 2 || len(out.Failed) != 1 || out.Failed[0].ID != "missing" {
		t.Fatalf("unexpected bulk result: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/reject-all", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject-all status %d: %s", res.StatusCode, string(data))
	}
	if out := decode[BulkResponse](t, data); len(out.Succeeded) != 0 || len(out.Failed) != 0 {
		t.Fatalf("nothing left to reject, got %+v", out)
	}
}

func TestApprovalConfigAutoExecutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/approval-config/note", map[string]any{"requires_approval": false}, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set config status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/approval-config/spaceship", map[string]any{"requires_approval": false}, devHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approval-config", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list config status %d: %s", res.StatusCode, string(data))
	}
	cfgs := decode[ApprovalConfigList](t, data)
	found := false
	for _, c := range cfgs.Items {
		if c.EntityType == domain.EntityNote {
			found = true
			if c.RequiresApproval {
				t.Fatalf("note should not require approval")
			}
		} else if !c.RequiresApproval {
			t.Fatalf("%s should default to requiring approval", c.EntityType)
		}
	}
	if !found {
		t.Fatalf("note config missing from %+v", cfgs.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"entity_type": "note",
		"operation":   "create",
		"payload":     map[string]any{"content": "auto"},
	}, devHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.Proposal](t, data); p.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %s", p.Status)
	}
}

func TestJobsTrigger(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, devHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jobs status %d: %s", res.StatusCode, string(data))
	}
	jobs := decode[JobList](t, data)
	if len(jobs.Items) != 1 || jobs.Items[0].Interval != "1h0m0s" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/orgs/trigger", nil, devHeaders)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/orgs/trigger", nil, devHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_running" {
		t.Fatalf("expected already_running, got %q", code)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/nope/trigger", nil, devHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "carol", "tenant_id": "t9"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"entity_type": "task",
		"operation":   "create",
		"payload":     map[string]any{"title": "follow up"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.Proposal](t, data); p.TenantID != "t9" {
		t.Fatalf("expected tenant from token, got %s", p.TenantID)
	}

	key := "crm_test_key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", TenantID: "t9", ActorID: "robot", KeyHash: repo.HashAPIKey(key),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[ProposalListResponse](t, data); list.Total != 1 {
		t.Fatalf("expected the t9 proposal, got %+v", list)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	doc := decode[map[string]any](t, data)
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/proposals/{id}/approve"]; !ok {
		t.Fatalf("approve path missing from openapi document")
	}
}

func TestOpenAPIDocumentConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const workers = 8
	bodies := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) || len(bodies[i]) == 0 {
			t.Fatalf("request %d got a different document", i)
		}
	}
	doc := decode[map[string]any](t, bodies[0])
	components, _ := doc["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	if _, ok := schemes["bearerAuth"]; !ok {
		t.Fatalf("security schemes missing: %v", schemes)
	}
}

func TestSDKRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	token, err := SignToken(testSecret, "dana", "t5", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	client := crmflowsdk.New(srv.URL)
	client.BearerToken = token

	// the organization target is missing, so the mutation fails at execution
	p, err := client.CreateProposal(ctx, "job", "create", "", map[string]any{"title": "Engineer", "organization_id": "missing-org"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approved, err := client.Approve(ctx, p.ID)
	if err != nil {
		t.Fatalf("approve should report failure on the proposal, got %v", err)
	}
	if approved.Status != "failed" || approved.Error == nil {
		t.Fatalf("expected failed proposal with error, got %+v", approved)
	}

	retried, err := client.Retry(ctx, p.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == p.ID || retried.Status != "pending" {
		t.Fatalf("expected a new pending proposal, got %+v", retried)
	}

	_, err = client.Reject(ctx, p.ID)
	var apiErr *crmflowsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 rejecting a failed proposal, got %v", err)
	}

	page, err := client.ListProposals(ctx, crmflowsdk.ListOptions{Status: "pending"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != retried.ID {
		t.Fatalf("unexpected pending page: %+v", page)
	}
}
