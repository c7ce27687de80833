package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/binarydrop/internal/app"
	mng "github.com/loykin/binarydrop/internal/manager"
	"github.com/loykin/binarydrop/internal/paths"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/store/sqlite"
	"github.com/loykin/binarydrop/internal/supervisor"
)

type env struct {
	h      http.Handler
	layout paths.Layout
	prov   *provider.TestProvider
}

func setupRouter(t *testing.T, base string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	prov := provider.NewTestProvider()
	sup, err := supervisor.New(supervisor.Options{Store: st, Provider: prov, RestartDelay: -1})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = sup.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-sup.Done()
	})
	layout := paths.New(t.TempDir())
	mgr, err := mng.New(mng.Options{Store: st, Provider: prov, Supervisor: sup, Layout: layout})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	metricsStub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	r := NewRouter(mgr, Options{BasePath: base, Metrics: metricsStub})
	return &env{h: r.Handler(), layout: layout, prov: prov}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func deployReq(t *testing.T, h http.Handler, path string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("binary", "app")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write(content)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func decodeApp(t *testing.T, rec *httptest.ResponseRecorder) app.App {
	t.Helper()
	var a app.App
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode app: %v (%s)", err, rec.Body.String())
	}
	return a
}

func TestHealthzAndMetrics(t *testing.T) {
	e := setupRouter(t, "/admin")
	expect(t, doReq(t, e.h, http.MethodGet, "/admin/healthz", nil), http.StatusOK)
	rec := doReq(t, e.h, http.MethodGet, "/admin/metrics", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "# metrics") {
		t.Fatalf("metrics handler not mounted: %s", rec.Body.String())
	}
}

func TestCreateAndGet(t *testing.T) {
	e := setupRouter(t, "")
	rec := doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"})
	expect(t, rec, http.StatusCreated)
	a := decodeApp(t, rec)
	if a.Name != "web" || a.State != app.StateCreated || a.Port != paths.DefaultFirstPort {
		t.Fatalf("unexpected app: %+v", a)
	}

	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusBadRequest)
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "Bad Name"}), http.StatusBadRequest)
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/ghost", nil), http.StatusNotFound)

	rec = doReq(t, e.h, http.MethodGet, "/apps/web", nil)
	expect(t, rec, http.StatusOK)
	if got := decodeApp(t, rec); got.ID != a.ID {
		t.Fatalf("get returned %+v", got)
	}

	rec = doReq(t, e.h, http.MethodGet, "/apps", nil)
	expect(t, rec, http.StatusOK)
	var list []app.App
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list: %v %s", err, rec.Body.String())
	}
}

func TestDeployStartStopDelete(t *testing.T) {
	e := setupRouter(t, "")
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusCreated)

	// start before deploy
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/web/start", nil), http.StatusBadRequest)

	rec := deployReq(t, e.h, "/apps/web/deploy", []byte("#!/bin/sh\n"))
	expect(t, rec, http.StatusOK)
	var res mng.DeployResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || !res.Changed {
		t.Fatalf("deploy result: %v %s", err, rec.Body.String())
	}
	rec = deployReq(t, e.h, "/apps/web/deploy", []byte("#!/bin/sh\n"))
	expect(t, rec, http.StatusOK)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Changed {
		t.Fatalf("identical deploy should not change: %s", rec.Body.String())
	}
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/web/deploy", nil), http.StatusBadRequest)

	rec = doReq(t, e.h, http.MethodPost, "/apps/web/start", nil)
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.State != app.StateRunning || a.PID == nil {
		t.Fatalf("expected running app: %+v", a)
	}
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/web/start", nil), http.StatusBadRequest)
	expect(t, doReq(t, e.h, http.MethodDelete, "/apps/web", nil), http.StatusBadRequest)

	rec = doReq(t, e.h, http.MethodPost, "/apps/web/restart", nil)
	expect(t, rec, http.StatusOK)
	if e.prov.Starts("web") != 2 {
		t.Fatalf("expected 2 starts, got %d", e.prov.Starts("web"))
	}

	rec = doReq(t, e.h, http.MethodPost, "/apps/web/stop", nil)
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.State != app.StateStopped {
		t.Fatalf("expected stopped app: %+v", a)
	}

	rec = doReq(t, e.h, http.MethodGet, "/apps/web/history?limit=1", nil)
	expect(t, rec, http.StatusOK)
	var runs []app.ProcessHistory
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 {
		t.Fatalf("history: %v %s", err, rec.Body.String())
	}
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/web/history?limit=x", nil), http.StatusBadRequest)

	rec = doReq(t, e.h, http.MethodGet, "/apps/web/stats", nil)
	expect(t, rec, http.StatusOK)
	var st mng.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.TotalRuns != 2 {
		t.Fatalf("stats: %v %s", err, rec.Body.String())
	}

	expect(t, doReq(t, e.h, http.MethodDelete, "/apps/web", nil), http.StatusOK)
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/web", nil), http.StatusNotFound)
}

func TestEnv(t *testing.T) {
	e := setupRouter(t, "")
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusCreated)

	rec := doReq(t, e.h, http.MethodPost, "/apps/web/env", map[string]any{"key": "MODE", "value": "prod"})
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.Environment["MODE"] != "prod" {
		t.Fatalf("env not set: %+v", a.Environment)
	}
	rec = doReq(t, e.h, http.MethodPost, "/apps/web/env", map[string]any{"key": "MODE", "delete": true})
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); len(a.Environment) != 0 {
		t.Fatalf("env not deleted: %+v", a.Environment)
	}
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/web/env", map[string]any{"key": "PORT", "value": "1"}), http.StatusBadRequest)
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/ghost/env", map[string]any{"key": "A", "value": "1"}), http.StatusNotFound)
}

func TestLogs(t *testing.T) {
	e := setupRouter(t, "")
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusCreated)
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/web/logs", nil), http.StatusNotFound)

	if err := e.layout.Ensure("web"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.layout.LogPath("web"), []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec := doReq(t, e.h, http.MethodGet, "/apps/web/logs?lines=2", nil)
	expect(t, rec, http.StatusOK)
	if rec.Body.String() != "two\nthree\n" {
		t.Fatalf("unexpected logs %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/web/logs?lines=-1", nil), http.StatusBadRequest)
	expect(t, doReq(t, e.h, http.MethodGet, "/apps/web/logs?follow=maybe", nil), http.StatusBadRequest)
}

func TestLogsFollowStreamsEvents(t *testing.T) {
	e := setupRouter(t, "")
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusCreated)
	if err := e.layout.Ensure("web"); err != nil {
		t.Fatal(err)
	}
	logPath := e.layout.LogPath("web")
	if err := os.WriteFile(logPath, []byte("before\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(e.h)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/apps/web/logs?lines=5&follow=true", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			if l := sc.Text(); strings.HasPrefix(l, "data: ") {
				return strings.TrimPrefix(l, "data: ")
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return ""
	}
	if got := next(); got != "before" {
		t.Fatalf("expected backlog line, got %q", got)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("after\n")
	_ = f.Close()
	if got := next(); got != "after" {
		t.Fatalf("expected followed line, got %q", got)
	}
}

func TestHealthAndPolicy(t *testing.T) {
	e := setupRouter(t, "")
	expect(t, doReq(t, e.h, http.MethodPost, "/apps", map[string]string{"name": "web"}), http.StatusCreated)

	rec := doReq(t, e.h, http.MethodPut, "/apps/web/health", map[string]any{"type": "tcp", "interval": 5})
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.HealthCheck == nil || a.HealthCheck.Type != app.HealthTCP || a.HealthCheck.Interval != 5 {
		t.Fatalf("health check not stored: %+v", a.HealthCheck)
	}
	expect(t, doReq(t, e.h, http.MethodPut, "/apps/web/health", map[string]any{"type": "bogus"}), http.StatusBadRequest)

	// not running counts as healthy
	rec = doReq(t, e.h, http.MethodPost, "/apps/web/health/check", nil)
	expect(t, rec, http.StatusOK)
	var hr healthResp
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil || !hr.Healthy {
		t.Fatalf("health: %v %s", err, rec.Body.String())
	}
	expect(t, doReq(t, e.h, http.MethodPost, "/apps/ghost/health/check", nil), http.StatusNotFound)

	rec = doReq(t, e.h, http.MethodDelete, "/apps/web/health", nil)
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.HealthCheck != nil {
		t.Fatalf("health check not cleared")
	}

	rec = doReq(t, e.h, http.MethodPut, "/apps/web/policy", map[string]any{"restart_policy": "always", "max_restarts": 2})
	expect(t, rec, http.StatusOK)
	if a := decodeApp(t, rec); a.RestartPolicy != app.RestartAlways || a.MaxRestarts == nil || *a.MaxRestarts != 2 {
		t.Fatalf("policy not stored: %+v", a)
	}
	expect(t, doReq(t, e.h, http.MethodPut, "/apps/web/policy", map[string]any{"restart_policy": "sometimes"}), http.StatusBadRequest)
}
