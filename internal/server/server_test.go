package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/criteo/newman-server/internal/events"
	"github.com/criteo/newman-server/internal/runner"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

func targetServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": r.URL.Query().Get("name")})
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	*Server
	folder string
	logs   *bytes.Buffer
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	folder := t.TempDir()
	engine, err := runner.New(context.Background(), runner.WithLogger(pslog.NewStructured(io.Discard)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	var logs bytes.Buffer
	opts = append([]Option{WithLogger(pslog.NewStructured(&logs))}, opts...)
	s, err := New(context.Background(), engine, folder, opts...)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testServer{Server: s, folder: folder, logs: &logs}
}

type part struct {
	field, filename, content string
}

func multipartRequest(t *testing.T, target string, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(fw, p.content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pingCollection() string {
	return `{
  "info": {"name": "Ping", "schema": "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"},
  "item": [{
    "name": "ping",
    "request": {"method": "GET", "url": "{{base}}/ping"},
    "event": [{"listen": "test", "script": {"exec": [
      "pm.test('status is 200', function () { pm.response.to.have.status(200); });"
    ]}}]
  }]
}`
}

func environment(base string) string {
	return fmt.Sprintf(`{"name": "local", "values": [{"key": "base", "value": %q, "enabled": true}]}`, base)
}

func do(t *testing.T, s *testServer, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeSummary(t *testing.T, rec *httptest.ResponseRecorder) runner.Summary {
	t.Helper()
	var sum runner.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, rec.Body.String())
	}
	return sum
}

func assertFolderEmpty(t *testing.T, folder string) {
	t.Helper()
	entries, err := os.ReadDir(folder)
	if err != nil {
		t.Fatalf("read folder: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("report folder not empty: %v", entries)
	}
}

type fieldErrors struct {
	Errors []fieldError `json:"errors"`
}

func decodeFieldErrors(t *testing.T, rec *httptest.ResponseRecorder) []fieldError {
	t.Helper()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var fe fieldErrors
	if err := json.Unmarshal(rec.Body.Bytes(), &fe); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	return fe.Errors
}

func TestRunJSON(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	rec := do(t, s, multipartRequest(t, "/run/json",
		part{"collectionFile", "ping.postman_collection.json", pingCollection()},
		part{"environmentFile", "local.postman_environment.json", environment(target.URL)},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	sum := decodeSummary(t, rec)
	if sum.Run.Stats.Iterations.Total != 1 || sum.Run.Stats.Iterations.Failed != 0 {
		t.Fatalf("unexpected iterations %+v", sum.Run.Stats.Iterations)
	}
	if sum.Run.Stats.Assertions.Total != 1 || sum.Run.Stats.Assertions.Failed != 0 {
		t.Fatalf("unexpected assertions %+v", sum.Run.Stats.Assertions)
	}
	if !strings.Contains(s.logs.String(), "run.completed") {
		t.Fatalf("expected completion log")
	}
}

func TestRunLargestTimeout(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	rec := do(t, s, multipartRequest(t, "/run/json?timeout=9223372036854",
		part{"collectionFile", "ping.postman_collection.json", pingCollection()},
		part{"environmentFile", "local.postman_environment.json", environment(target.URL)},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if sum := decodeSummary(t, rec); sum.Run.Stats.Assertions.Failed != 0 {
		t.Fatalf("unexpected assertions %+v", sum.Run.Stats.Assertions)
	}
}

func TestRunWithIterationData(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	coll := fmt.Sprintf(`{
  "info": {"name": "People"},
  "item": [{
    "name": "echo",
    "request": {"method": "GET", "url": "%s/echo?name={{name}}"},
    "event": [{"listen": "test", "script": {"exec": [
      "pm.test('status', function () { pm.response.to.have.status(200); });",
      "pm.test('echoes name', function () { pm.expect(pm.response.json().name).to.eql(pm.iterationData.get('name')); });",
      "pm.test('iteration', function () { pm.expect(pm.info.iteration).to.be.below(2); });"
    ]}}]
  }]
}`, target.URL)
	rec := do(t, s, multipartRequest(t, "/run/json",
		part{"collectionFile", "people.json", coll},
		part{"iterationDataFile", "people-data.json", `[{"name": "ada"}, {"name": "bob"}]`},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	sum := decodeSummary(t, rec)
	if sum.Run.Stats.Iterations.Total != 2 {
		t.Fatalf("expected 2 iterations, got %+v", sum.Run.Stats.Iterations)
	}
	if sum.Run.Stats.Assertions.Total != 6 || sum.Run.Stats.Assertions.Failed != 0 {
		t.Fatalf("expected 6 passing assertions, got %+v", sum.Run.Stats.Assertions)
	}
}

func TestRunFileReports(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	cases := []struct {
		format, contentType, marker, ext string
	}{
		{"html", "text/html; charset=utf-8", "<html", ".html"},
		{"junit", "application/xml", "<testsuites", ".xml"},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			rec := do(t, s, multipartRequest(t, "/run/"+tc.format,
				part{"collectionFile", "ping.json", pingCollection()},
				part{"environmentFile", "env.json", environment(target.URL)},
			))
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != tc.contentType {
				t.Fatalf("content type %q", ct)
			}
			cd := rec.Header().Get("Content-Disposition")
			if !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, tc.ext) {
				t.Fatalf("content disposition %q", cd)
			}
			if !strings.Contains(rec.Body.String(), tc.marker) {
				t.Fatalf("unexpected body %.200s", rec.Body.String())
			}
			assertFolderEmpty(t, s.folder)
		})
	}
}

func TestConcurrentRunsLeaveFolderEmpty(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			format := "html"
			if i%2 == 1 {
				format = "junit"
			}
			req := multipartRequest(t, srv.URL+"/run/"+format,
				part{"collectionFile", "ping.json", pingCollection()},
				part{"environmentFile", "env.json", environment(target.URL)},
			)
			req.RequestURI = ""
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("%s: status %d", format, resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assertFolderEmpty(t, s.folder)
}

func TestRunValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name   string
		target string
		parts  []part
		path   string
		msg    string
		loc    string
	}{
		{"unsupported format", "/run/xxx", []part{{"collectionFile", "c.json", pingCollection()}}, "format", "Only the json, html and junit reports are supported", "params"},
		{"missing collection", "/run/json", nil, "collectionFile", "The test collection file is mandatory", "files"},
		{"collection not json", "/run/json", []part{{"collectionFile", "c.txt", pingCollection()}}, "collectionFile", "The test collection file must be a JSON file", "files"},
		{"collection invalid json", "/run/json", []part{{"collectionFile", "c.json", "{"}}, "collectionFile", "The test collection file must be a JSON file", "files"},
		{"environment not json", "/run/json", []part{{"collectionFile", "c.json", pingCollection()}, {"environmentFile", "e.yaml", "{}"}}, "environmentFile", "The test environment must be a JSON file", "files"},
		{"iteration data not json", "/run/json", []part{{"collectionFile", "c.json", pingCollection()}, {"iterationDataFile", "d.csv", "a,b"}}, "iterationDataFile", "The test iteration data must be a JSON file", "files"},
		{"timeout not integer", "/run/json?timeout=soon", []part{{"collectionFile", "c.json", pingCollection()}}, "timeout", "Invalid value", "query"},
		{"timeout zero", "/run/json?timeout=0", []part{{"collectionFile", "c.json", pingCollection()}}, "timeout", "Invalid value", "query"},
		{"timeout overflows duration", "/run/json?timeout=18446744073710", []part{{"collectionFile", "c.json", pingCollection()}}, "timeout", "Invalid value", "query"},
		{"timeout beyond int64", "/run/json?timeout=99999999999999999999", []part{{"collectionFile", "c.json", pingCollection()}}, "timeout", "Invalid value", "query"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := decodeFieldErrors(t, do(t, s, multipartRequest(t, tc.target, tc.parts...)))
			var found *fieldError
			for i := range errs {
				if errs[i].Path == tc.path {
					found = &errs[i]
				}
			}
			if found == nil {
				t.Fatalf("no error for %s in %+v", tc.path, errs)
			}
			if found.Msg != tc.msg || found.Location != tc.loc || found.Type != "field" {
				t.Fatalf("unexpected error %+v", found)
			}
		})
	}
	assertFolderEmpty(t, s.folder)
}

func TestRunRejectsNonMultipart(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/run/json", strings.NewReader(pingCollection()))
	req.Header.Set("Content-Type", "application/json")
	errs := decodeFieldErrors(t, do(t, s, req))
	if len(errs) != 1 || errs[0].Msg != "The test collection file is mandatory" {
		t.Fatalf("unexpected errors %+v", errs)
	}
}

func TestRunTimeout(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	coll := fmt.Sprintf(`{"info":{"name":"Slow"},"item":[{"name":"slow","request":"%s/slow"}]}`, target.URL)
	start := time.Now()
	rec := do(t, s, multipartRequest(t, "/run/html?timeout=100",
		part{"collectionFile", "slow.json", coll},
	))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !strings.Contains(body["error"], "timeout") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	time.Sleep(50 * time.Millisecond)
	assertFolderEmpty(t, s.folder)
}

func TestRunBrokenCollection(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, multipartRequest(t, "/run/json",
		part{"collectionFile", "array.json", `[1, 2]`},
	))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestConvertHTML(t *testing.T) {
	target := targetServer(t)
	s := newTestServer(t)
	run := do(t, s, multipartRequest(t, "/run/json",
		part{"collectionFile", "ping.json", pingCollection()},
		part{"environmentFile", "env.json", environment(target.URL)},
	))
	if run.Code != http.StatusOK {
		t.Fatalf("run status %d", run.Code)
	}

	rec := do(t, s, multipartRequest(t, "/convert/html",
		part{"summaryFile", "summary.json", run.Body.String()},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("convert status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}
	for _, want := range []string{"Ping", "status is 200"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("expected %q in report", want)
		}
	}
}

func TestConvertValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name  string
		parts []part
		msg   string
	}{
		{"missing", nil, "The test summary file is mandatory"},
		{"not json", []part{{"summaryFile", "summary.html", "{}"}}, "The test summary file must be a JSON file"},
		{"no executions", []part{{"summaryFile", "summary.json", `{"collection":{"info":{"name":"x"}},"run":{"stats":{}}}`}}, invalidSummaryMessage},
		{"no run", []part{{"summaryFile", "summary.json", `{"collection":{}}`}}, invalidSummaryMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := decodeFieldErrors(t, do(t, s, multipartRequest(t, "/convert/html", tc.parts...)))
			if len(errs) != 1 || errs[0].Msg != tc.msg || errs[0].Path != "summaryFile" {
				t.Fatalf("unexpected errors %+v", errs)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/api/health"} {
		rec := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", path, rec.Code, rec.Body.String())
		}
		var body map[string]float64
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := body["uptime"]; !ok {
			t.Fatalf("missing uptime in %s", rec.Body.String())
		}
	}
	assertFolderEmpty(t, s.folder)

	if err := os.RemoveAll(s.folder); err != nil {
		t.Fatal(err)
	}
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Errors) != 1 || body.Errors[0].Code != "READ_FOLDER" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
}

func TestDocsAndStatic(t *testing.T) {
	s := newTestServer(t)
	cases := map[string]string{
		"/openapi.yaml": "openapi: 3.0.3",
		"/api/docs":     "swagger-ui",
		"/":             "newman-server",
	}
	for path, want := range cases {
		rec := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("%s: status %d body %.120s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRequestLog(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := do(t, s, req)
	if rec.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("request id not echoed")
	}
	logs := s.logs.String()
	if !strings.Contains(logs, "http.request") || !strings.Contains(logs, "req-42") {
		t.Fatalf("request log missing: %s", logs)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id not generated")
	}
}

func TestRecover(t *testing.T) {
	var logs bytes.Buffer
	logger := pslog.NewStructured(&logs)
	h := withRequestLog(logger, withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "http.panic") {
		t.Fatalf("panic not logged: %s", logs.String())
	}
}

func TestEventsFeed(t *testing.T) {
	target := targetServer(t)
	hub := events.NewHub(pslog.NewStructured(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	s := newTestServer(t, WithEvents(hub))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := do(t, s, multipartRequest(t, "/run/json",
		part{"collectionFile", "ping.json", pingCollection()},
		part{"environmentFile", "env.json", environment(target.URL)},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("run status %d", rec.Code)
	}

	var got []events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 2 {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev events.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, ev)
	}
	if got[0].Type != events.RunStarted || got[1].Type != events.RunCompleted || got[1].Collection != "Ping" || got[1].Outcome != "json" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestServeShutsDown(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, 2*time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
	if !strings.Contains(s.logs.String(), "server.stopped") {
		t.Fatalf("expected stop log")
	}
}

func TestNewRequiresContextAndEngine(t *testing.T) {
	var nilCtx context.Context
	if _, err := New(nilCtx, nil, t.TempDir()); err == nil {
		t.Fatalf("expected nil context error")
	}
	if _, err := New(context.Background(), nil, t.TempDir()); err == nil {
		t.Fatalf("expected nil engine error")
	}
}
