package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CodeTumbler/internal/adapter/httpapi"
	"github.com/Strob0t/CodeTumbler/internal/agent"
	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/loop"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/service"
	"github.com/Strob0t/CodeTumbler/internal/store"
)

func newAPI(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Providers = map[string]config.Provider{"local": {Type: "ollama", BaseURL: "http://127.0.0.1:1", Model: "m"}}
	cfg.Active = "local"

	st, err := store.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	b := bus.New(1024, time.Second, nil)
	factory := provider.NewFactory(cfg.Providers, cfg.Breaker)
	runner := agent.NewRunner(&cfg, factory, st, b, nil, nil)
	l := loop.New(&cfg, st, b,
		agent.NewArchitect(runner), agent.NewEngineer(runner, nil), agent.NewVerifier(runner),
		nil, nil)
	o := service.New(&cfg, st, b, l, nil)
	t.Cleanup(o.Shutdown)

	r := chi.NewRouter()
	httpapi.MountRoutes(r, &httpapi.Handlers{Orchestrator: o, Bus: b})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, b
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAPI_CreateAndGetProject(t *testing.T) {
	srv, _ := newAPI(t)

	resp := post(t, srv.URL+"/api/projects", project.CreateRequest{Name: "demo", Requirements: "build"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/projects/demo")
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var st project.State
	if err := json.NewDecoder(getResp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Name != "demo" || st.Phase != project.PhaseIdle {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestAPI_CreateValidation(t *testing.T) {
	srv, _ := newAPI(t)
	resp := post(t, srv.URL+"/api/projects", project.CreateRequest{Name: "../evil", Requirements: "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_UnknownProjectIs404(t *testing.T) {
	srv, _ := newAPI(t)
	resp, err := http.Get(srv.URL + "/api/projects/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_StopNotRunningIs400(t *testing.T) {
	srv, _ := newAPI(t)
	post(t, srv.URL+"/api/projects", project.CreateRequest{Name: "demo", Requirements: "x"}).Body.Close()

	resp := post(t, srv.URL+"/api/projects/demo/stop", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_SSEStreamsEvents(t *testing.T) {
	srv, b := newAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?project=demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %s", ct)
	}

	// Give the subscription time to register, then publish.
	time.Sleep(100 * time.Millisecond)
	b.Publish(event.New(event.TypeScoreUpdate, "demo", map[string]any{"score": 8.5, "iteration": 1}))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatal("no SSE data line received")
	}

	var wire struct {
		Type      string         `json:"type"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		t.Fatalf("bad wire format: %v in %q", err, data)
	}
	if wire.Type != "score_update" || wire.Data["project"] != "demo" {
		t.Fatalf("unexpected event: %+v", wire)
	}
	if wire.Timestamp == "" {
		t.Fatal("timestamp required in wire format")
	}
}
