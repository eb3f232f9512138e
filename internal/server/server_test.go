package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"freightline/internal/agents/info"
	"freightline/internal/agents/planner"
	"freightline/internal/catalog"
	"freightline/internal/config"
	"freightline/internal/domain"
	"freightline/internal/engine"
	"freightline/internal/search"
	"freightline/internal/store"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cat := catalog.FromConfig(config.Default().Catalog.Regions)
	e := engine.New(
		store.NewMemory(store.Options{}),
		info.New(
			[]search.KnowledgeSource{search.NewStaticKnowledge("knowledge-base", search.DefaultKnowledge, 5)},
			[]search.DisruptionSource{search.NewStaticDisruptions("news", search.DefaultDisruptions)},
			nil,
		),
		planner.New(cat, planner.DefaultConfig(), nil),
		cat,
		nil,
		engine.Options{PollInterval: 5 * time.Millisecond},
	)
	t.Cleanup(e.Close)
	return e
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	e := newEngine(t)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
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

func forecastBody(region string, qty int, dests ...string) map[string]any {
	var devices []map[string]any
	for _, d := range dests {
		devices = append(devices, map[string]any{
			"model":       "Latitude 7440",
			"quantity":    qty,
			"destination": d,
			"priority":    "medium",
		})
	}
	return map[string]any{
		"region":           region,
		"forecast_period":  "2024-Q1",
		"device_forecasts": devices,
	}
}

func submit(t *testing.T, srv *testServer, body any, headers map[string]string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/forecasts", body, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	if loc := res.Header.Get("Location"); loc == "" {
		t.Fatalf("expected Location header")
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected task id in %s", string(data))
	}
	return task
}

func waitCompleted(t *testing.T, srv *testServer, id string) TaskResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+id, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
		}
		var task TaskResponse
		if err := json.Unmarshal(data, &task); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
		switch task.Status {
		case domain.StatusCompleted:
			return task
		case domain.StatusFailed:
			t.Fatalf("task failed at %s: %s", task.CurrentStep, task.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete", id)
	return TaskResponse{}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestSubmitPollAndRank(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	task := submit(t, srv, forecastBody("APAC", 500, "Singapore", "Tokyo"), nil)
	done := waitCompleted(t, srv, task.ID)
	if done.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", done.Progress)
	}
	if done.InfoAnalysis == nil {
		t.Fatalf("expected info analysis on completed task")
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/routes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("routes status %d: %s", res.StatusCode, string(data))
	}
	var routes RoutesResponse
	if err := json.Unmarshal(data, &routes); err != nil {
		t.Fatalf("unmarshal routes: %v", err)
	}
	if len(routes.Routes) == 0 {
		t.Fatalf("expected ranked routes")
	}
	for i, r := range routes.Routes {
		if r.OptimizationRank != i+1 {
			t.Fatalf("route %d has rank %d", i, r.OptimizationRank)
		}
	}
	if routes.Summary.TotalRoutes != len(routes.Routes) {
		t.Fatalf("summary counts %d routes, got %d", routes.Summary.TotalRoutes, len(routes.Routes))
	}

	listRes, listBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?status=completed", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var list paginatedTasks
	_ = json.Unmarshal(listBody, &list)
	if len(list.Items) != 1 || list.Items[0].ID != task.ID {
		t.Fatalf("expected completed task in list, got %+v", list.Items)
	}
}

func TestRouteReviewConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	task := submit(t, srv, forecastBody("APAC", 100, "Singapore"), nil)
	done := waitCompleted(t, srv, task.ID)
	if len(done.Routes) == 0 {
		t.Fatalf("expected routes on completed task")
	}
	routeID := done.Routes[0].ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/routes/"+routeID+"/approve", map[string]any{
		"approved": true,
		"comments": "looks good",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved RouteResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal route: %v", err)
	}
	if approved.Review == nil || approved.Review.Status != domain.ReviewApproved {
		t.Fatalf("expected approved review, got %+v", approved.Review)
	}
	if approved.Review.ActorID != AnonymousActor {
		t.Fatalf("expected anonymous actor, got %s", approved.Review.ActorID)
	}

	again, againBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/routes/"+routeID+"/approve", map[string]any{"approved": true}, nil)
	if again.StatusCode != http.StatusOK {
		t.Fatalf("re-approve status %d: %s", again.StatusCode, string(againBody))
	}

	rej, rejBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/routes/"+routeID+"/approve", map[string]any{"approved": false}, nil)
	if rej.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", rej.StatusCode, string(rejBody))
	}
	if code := decodeError(t, rejBody).Code; code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	vis, visBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/routes/"+routeID+"/visualization", nil, nil)
	if vis.StatusCode != http.StatusOK {
		t.Fatalf("visualization status %d: %s", vis.StatusCode, string(visBody))
	}
	var v engine.Visualization
	_ = json.Unmarshal(visBody, &v)
	if len(v.Waypoints) < 2 {
		t.Fatalf("expected at least two waypoints, got %d", len(v.Waypoints))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/routes/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for route, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/forecasts", map[string]any{"region": 5}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/locations?region=mars", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown region, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestRoutesNotReady(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	// Unknown regions fail inside the pipeline, so the task never completes.
	task := submit(t, srv, forecastBody("MARS", 10, "Olympus"), nil)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := srv.Engine.Task(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("task: %v", err)
		}
		if got.Status == domain.StatusFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/routes", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "not_ready" {
		t.Fatalf("expected not_ready, got %s", code)
	}
}

func TestJWTGuardsMutations(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/forecasts", forecastBody("APAC", 10, "Singapore"), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/forecasts", forecastBody("APAC", 10, "Singapore"), map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}

	token, err := SignToken(secret, "planner-1", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	task := submit(t, srv, forecastBody("APAC", 10, "Singapore"), headers)

	// Reads stay open.
	done := waitCompleted(t, srv, task.ID)
	routeID := done.Routes[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/routes/"+routeID+"/approve", map[string]any{"approved": true}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var rec RouteResponse
	_ = json.Unmarshal(data, &rec)
	if rec.Review == nil || rec.Review.ActorID != "planner-1" {
		t.Fatalf("expected review by token subject, got %+v", rec.Review)
	}

	specRes, specBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if specRes.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", specRes.StatusCode)
	}
	if !bytes.Contains(specBody, []byte("bearerAuth")) {
		t.Fatalf("expected bearerAuth security scheme in openapi")
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	task := submit(t, srv, forecastBody("AMER", 50, "Los Angeles"), nil)
	waitCompleted(t, srv, task.ID)

	var seen []EventResponse
	cursor := ""
	for page := 0; page < 50; page++ {
		url := srv.URL + "/v1/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, string(data))
		}
		var events paginatedEvents
		if err := json.Unmarshal(data, &events); err != nil {
			t.Fatalf("unmarshal events: %v", err)
		}
		if len(events.Items) > 2 {
			t.Fatalf("page larger than limit: %d", len(events.Items))
		}
		seen = append(seen, events.Items...)
		if events.NextCursor == "" {
			break
		}
		cursor = events.NextCursor
	}
	if len(seen) < 3 {
		t.Fatalf("expected created, step and completed events, got %d", len(seen))
	}
	if seen[0].Type != "task.created" {
		t.Fatalf("expected first event task.created, got %s", seen[0].Type)
	}
	if last := seen[len(seen)-1]; last.Type != "task.completed" {
		t.Fatalf("expected last event task.completed, got %s", last.Type)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].ID <= seen[i-1].ID {
			t.Fatalf("event ids not increasing at %d", i)
		}
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	var (
		mu         sync.Mutex
		deliveries []*http.Request
		bodies     [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, r)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := newEngine(t)
	ctx := context.Background()

	// Events from before the dispatcher starts are never delivered.
	early, err := e.Submit(ctx, domain.Forecast{
		Region:         "APAC",
		ForecastPeriod: "2024-Q1",
		DeviceForecasts: []domain.DeviceForecast{
			{Model: "Latitude 7440", Quantity: 10, Destination: "Singapore", Priority: domain.PriorityLow},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := e.WaitForTask(waitCtx, early.ID, 0); err != nil {
		t.Fatalf("wait: %v", err)
	}

	d := NewWebhookDispatcher(e, []config.WebhookConfig{{
		URL:    hook.URL,
		Secret: "shh",
		Events: []string{"task.completed"},
	}}, nil)
	d.DispatchAll(ctx)

	task, err := e.Submit(ctx, domain.Forecast{
		Region:         "APAC",
		ForecastPeriod: "2024-Q1",
		DeviceForecasts: []domain.DeviceForecast{
			{Model: "Latitude 7440", Quantity: 10, Destination: "Tokyo", Priority: domain.PriorityLow},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.WaitForTask(waitCtx, task.ID, 0); err != nil {
		t.Fatalf("wait: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	req := deliveries[0]
	if got := req.Header.Get(HeaderEvent); got != "task.completed" {
		t.Fatalf("expected task.completed header, got %s", got)
	}
	if req.Header.Get(HeaderDelivery) == "" {
		t.Fatalf("expected delivery id header")
	}
	if got, want := req.Header.Get(HeaderSignature), Sign("shh", bodies[0]); got != want {
		t.Fatalf("signature mismatch: got %s want %s", got, want)
	}
	var evt EventResponse
	if err := json.Unmarshal(bodies[0], &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.TaskID != task.ID {
		t.Fatalf("expected event for %s, got %s", task.ID, evt.TaskID)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("task.step") {
		t.Fatalf("empty filter should match everything")
	}
	blank := newEventFilter([]string{" ", ""})
	if !blank.match("route.approved") {
		t.Fatalf("blank filter should match everything")
	}
	some := newEventFilter([]string{"route.approved", " task.failed "})
	if !some.match("task.failed") || some.match("task.step") {
		t.Fatalf("unexpected filter result")
	}
}

func TestAgentInfo(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agent-info", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent info status %d: %s", res.StatusCode, string(data))
	}
	var info AgentInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal agent info: %v", err)
	}
	if len(info.Agents) != 2 || info.Agents[0].Name != "information" || info.Agents[1].Name != "routing" {
		t.Fatalf("unexpected agents %+v", info.Agents)
	}
	if info.Agents[0].Steps[0] != domain.StepInformationAnalysis || info.Agents[1].Steps[len(info.Agents[1].Steps)-1] != domain.StepOptimizationComplete {
		t.Fatalf("unexpected steps %+v", info.Agents)
	}
	if len(info.Agents[0].Sources) != 2 || info.Agents[0].Sources[0] != "knowledge-base" || info.Agents[0].Sources[1] != "news" {
		t.Fatalf("unexpected sources %v", info.Agents[0].Sources)
	}
	if len(info.Regions) != 3 {
		t.Fatalf("expected 3 regions, got %v", info.Regions)
	}
}

func TestStandaloneAgents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/information/test", forecastBody("APAC", 500, "Singapore"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("information agent status %d: %s", res.StatusCode, string(data))
	}
	var analysis domain.InfoAnalysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		t.Fatalf("unmarshal analysis: %v", err)
	}
	if len(analysis.DomainKnowledge) == 0 || !analysis.RiskAssessment.OverallRisk.Valid() {
		t.Fatalf("unexpected analysis %+v", analysis)
	}

	for name, body := range map[string]map[string]any{
		"with analysis":    {"forecast": forecastBody("APAC", 500, "Singapore"), "info_analysis": analysis},
		"without analysis": {"forecast": forecastBody("APAC", 500, "Singapore")},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/routing/test", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: routing agent status %d: %s", name, res.StatusCode, string(data))
		}
		var plan RoutingTestResponse
		if err := json.Unmarshal(data, &plan); err != nil {
			t.Fatalf("%s: unmarshal plan: %v", name, err)
		}
		if len(plan.Routes) == 0 || plan.Routes[0].OptimizationRank != 1 || !plan.Routes[0].Recommended {
			t.Fatalf("%s: unexpected routes %+v", name, plan.Routes)
		}
		if plan.Summary.TotalRoutes != len(plan.Routes) {
			t.Fatalf("%s: summary mismatch %+v", name, plan.Summary)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks paginatedTasks
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks.Items) != 0 {
		t.Fatalf("standalone agent runs must not create tasks, got %d", len(tasks.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/information/test", forecastBody("MARS", 10, "Olympus"), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown region, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}
}
