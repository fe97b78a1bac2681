package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/criteo/newman-server/internal/events"
	"github.com/criteo/newman-server/internal/runner"
	"pkt.systems/pslog"
)

type engineFunc func(ctx context.Context, cfg runner.Config) (*runner.Summary, error)

func (f engineFunc) Run(ctx context.Context, cfg runner.Config) (*runner.Summary, error) {
	return f(ctx, cfg)
}

func (engineFunc) Ready(context.Context) error { return nil }

// exporting mimics a successful engine: it writes the export when asked.
func exporting(sum *runner.Summary) engineFunc {
	return func(_ context.Context, cfg runner.Config) (*runner.Summary, error) {
		if cfg.Export != nil {
			f, err := os.Create(cfg.Export.Path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			if err := cfg.Export.Reporter(f, sum); err != nil {
				return nil, err
			}
		}
		return sum, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func quietLogger() pslog.Base { return pslog.NewStructured(io.Discard) }

const shopCollection = `{"info":{"name":"Shop"},"item":[]}`

func TestBuildUnsupportedFormat(t *testing.T) {
	_, err := Builder{Folder: t.TempDir()}.Build("xxx", []byte(shopCollection), nil, nil, nil)
	var ufe *UnsupportedFormatError
	if !errors.As(err, &ufe) || ufe.Format != "xxx" {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
}

func TestBuildConfigs(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Folder: dir}

	cfg, err := b.Build("json", []byte(shopCollection), nil, nil, nil)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Export != nil || cfg.Timeout != DefaultTimeout {
		t.Fatalf("unexpected json config %+v", cfg)
	}

	html, err := b.Build("html", []byte(shopCollection), nil, nil, nil)
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if html.Export == nil || filepath.Dir(html.Export.Path) != dir ||
		!strings.HasPrefix(filepath.Base(html.Export.Path), "htmlResults-") ||
		filepath.Ext(html.Export.Path) != ".html" {
		t.Fatalf("unexpected html export %+v", html.Export)
	}

	timeout := 250 * time.Millisecond
	junit, err := b.Build("JUnit", []byte(shopCollection), nil, nil, &timeout)
	if err != nil {
		t.Fatalf("junit: %v", err)
	}
	if junit.Format != FormatJUnit || filepath.Ext(junit.Export.Path) != ".xml" || junit.Timeout != timeout {
		t.Fatalf("unexpected junit config %+v", junit)
	}

	again, _ := b.Build("html", []byte(shopCollection), nil, nil, nil)
	if again.Export.Path == html.Export.Path {
		t.Fatalf("export paths must differ between builds")
	}

	zero := time.Duration(0)
	_, err = b.Build("json", []byte(shopCollection), nil, nil, &zero)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "timeout" {
		t.Fatalf("expected timeout validation error, got %v", err)
	}
}

func TestBuildCustomDefaultTimeout(t *testing.T) {
	cfg, err := Builder{Folder: t.TempDir(), DefaultTimeout: time.Minute}.Build("json", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Timeout != time.Minute {
		t.Fatalf("expected 1m default, got %s", cfg.Timeout)
	}
}

func TestRunJSON(t *testing.T) {
	sum := &runner.Summary{Run: runner.Run{Stats: runner.Stats{Iterations: runner.Counter{Total: 1}}}}
	rec := &recorder{}
	o := New(exporting(sum), WithLogger(quietLogger()), WithPublisher(rec))
	cfg, _ := Builder{Folder: t.TempDir()}.Build("json", []byte(shopCollection), nil, nil, nil)

	out := o.Run(context.Background(), cfg)
	if out.Kind != JSONResult || out.Summary != sum {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(rec.events) != 2 || rec.events[0].Type != events.RunStarted || rec.events[1].Type != events.RunCompleted {
		t.Fatalf("unexpected events %+v", rec.events)
	}
	if rec.events[1].Collection != "Shop" || rec.events[1].Outcome != "json" || rec.events[0].RunID != rec.events[1].RunID {
		t.Fatalf("unexpected completion event %+v", rec.events[1])
	}
}

func TestRunTimeoutIsPrompt(t *testing.T) {
	slow := engineFunc(func(context.Context, runner.Config) (*runner.Summary, error) {
		time.Sleep(5 * time.Second)
		return &runner.Summary{}, nil
	})
	o := New(slow, WithLogger(quietLogger()))
	timeout := 100 * time.Millisecond
	cfg, _ := Builder{Folder: t.TempDir()}.Build("json", []byte(shopCollection), nil, nil, &timeout)

	start := time.Now()
	out := o.Run(context.Background(), cfg)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if out.Kind != Failed || !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("expected timeout failure, got %+v", out)
	}
	var ee *ExecutionError
	if !errors.As(out.Err, &ee) || ee.Code != CodeTimeout {
		t.Fatalf("expected ETIMEDOUT, got %v", out.Err)
	}
}

func TestRunTimeoutRemovesLateArtifact(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	written := make(chan struct{})
	stubborn := engineFunc(func(_ context.Context, cfg runner.Config) (*runner.Summary, error) {
		_ = os.WriteFile(cfg.Export.Path, []byte("partial"), 0o644)
		<-release
		_ = os.WriteFile(cfg.Export.Path, []byte("late"), 0o644)
		close(written)
		return &runner.Summary{}, nil
	})
	o := New(stubborn, WithLogger(quietLogger()))
	timeout := 50 * time.Millisecond
	cfg, _ := Builder{Folder: dir}.Build("html", []byte(shopCollection), nil, nil, &timeout)

	out := o.Run(context.Background(), cfg)
	if out.Kind != Failed || !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if _, err := os.Stat(cfg.Export.Path); !os.IsNotExist(err) {
		t.Fatalf("partial artifact should be gone before returning: %v", err)
	}

	close(release)
	<-written
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.Export.Path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late artifact was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunNoCollection(t *testing.T) {
	empty := engineFunc(func(context.Context, runner.Config) (*runner.Summary, error) {
		return nil, runner.ErrNoCollection
	})
	o := New(empty, WithLogger(quietLogger()))
	b := Builder{Folder: t.TempDir()}

	cfg, _ := b.Build("json", []byte(`{}`), nil, nil, nil)
	out := o.Run(context.Background(), cfg)
	if out.Kind != JSONResult || out.Summary == nil || out.Summary.Run.Stats.Iterations.Total != 0 {
		t.Fatalf("expected empty success, got %+v", out)
	}

	cfg, _ = b.Build("html", []byte(`{}`), nil, nil, nil)
	out = o.Run(context.Background(), cfg)
	if out.Kind != Failed || !errors.Is(out.Err, runner.ErrNoCollection) {
		t.Fatalf("expected failure for html, got %+v", out)
	}
}

func TestRunEngineError(t *testing.T) {
	broken := engineFunc(func(context.Context, runner.Config) (*runner.Summary, error) {
		return nil, errors.New("collection: unexpected end of JSON input")
	})
	o := New(broken, WithLogger(quietLogger()))
	cfg, _ := Builder{Folder: t.TempDir()}.Build("json", []byte(`{`), nil, nil, nil)
	out := o.Run(context.Background(), cfg)
	var ee *ExecutionError
	if out.Kind != Failed || !errors.As(out.Err, &ee) || ee.Message != "collection: unexpected end of JSON input" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Summary != nil {
		t.Fatalf("failed outcome must not carry a summary")
	}
}

func TestRunMissingReport(t *testing.T) {
	lazy := engineFunc(func(context.Context, runner.Config) (*runner.Summary, error) {
		return &runner.Summary{}, nil
	})
	o := New(lazy, WithLogger(quietLogger()))
	cfg, _ := Builder{Folder: t.TempDir()}.Build("junit", []byte(shopCollection), nil, nil, nil)
	out := o.Run(context.Background(), cfg)
	var ee *ExecutionError
	if out.Kind != Failed || !errors.As(out.Err, &ee) || ee.Code != CodeNoReport {
		t.Fatalf("expected missing report failure, got %+v", out)
	}
}

func TestRunClientGone(t *testing.T) {
	wait := engineFunc(func(ctx context.Context, _ runner.Config) (*runner.Summary, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := New(wait, WithLogger(quietLogger()))
	cfg, _ := Builder{Folder: t.TempDir()}.Build("json", []byte(shopCollection), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	out := o.Run(ctx, cfg)
	var ee *ExecutionError
	if out.Kind != Failed || !errors.As(out.Err, &ee) || ee.Code != CodeCanceled {
		t.Fatalf("expected cancellation, got %+v", out)
	}
}

func TestRunLogsCompletionOnce(t *testing.T) {
	var buf bytes.Buffer
	o := New(exporting(&runner.Summary{}), WithLogger(pslog.NewStructured(&buf)))
	cfg, _ := Builder{Folder: t.TempDir()}.Build("json", []byte(shopCollection), nil, nil, nil)
	o.Run(context.Background(), cfg)
	if n := strings.Count(buf.String(), "run.completed"); n != 1 {
		t.Fatalf("expected one completion log, got %d in %q", n, buf.String())
	}
	if !strings.Contains(buf.String(), "Shop") {
		t.Fatalf("completion log should name the collection: %q", buf.String())
	}
}

func TestDeliverFile(t *testing.T) {
	dir := t.TempDir()
	o := New(exporting(&runner.Summary{}), WithLogger(quietLogger()))
	cfg, _ := Builder{Folder: dir}.Build("junit", []byte(shopCollection), nil, nil, nil)
	out := o.Run(context.Background(), cfg)
	if out.Kind != FileResult || out.Artifact.State() != Created {
		t.Fatalf("expected file result, got %+v", out)
	}

	rec := httptest.NewRecorder()
	Deliver(rec, httptest.NewRequest(http.MethodPost, "/run/junit", nil), out, quietLogger())
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, ".xml") {
		t.Fatalf("content disposition %q", cd)
	}
	if !strings.Contains(rec.Body.String(), "<testsuites") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if out.Artifact.State() != Deleted {
		t.Fatalf("artifact state %s", out.Artifact.State())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("folder not empty after delivery: %v", entries)
	}
}

func TestDeliverFailedRemovesArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htmlResults-x.html")
	if err := os.WriteFile(path, []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := Outcome{
		Kind:     Failed,
		Artifact: &Artifact{Path: path, Kind: "html"},
		Err:      &ExecutionError{Message: "boom"},
	}
	rec := httptest.NewRecorder()
	Deliver(rec, httptest.NewRequest(http.MethodPost, "/run/html", nil), out, quietLogger())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "boom" {
		t.Fatalf("unexpected body %q (%v)", rec.Body.String(), err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("artifact should be removed: %v", err)
	}
}

func TestDeliverJSON(t *testing.T) {
	sum := &runner.Summary{Run: runner.Run{Stats: runner.Stats{Iterations: runner.Counter{Total: 1}}}}
	rec := httptest.NewRecorder()
	Deliver(rec, httptest.NewRequest(http.MethodPost, "/run/json", nil), Outcome{Kind: JSONResult, Summary: sum}, quietLogger())
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("status %d content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var decoded runner.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Run.Stats.Iterations.Total != 1 {
		t.Fatalf("unexpected stats %+v", decoded.Run.Stats)
	}
}

func TestConcurrentDeliveriesLeaveFolderEmpty(t *testing.T) {
	dir := t.TempDir()
	o := New(exporting(&runner.Summary{}), WithLogger(quietLogger()))
	b := Builder{Folder: dir}

	const n = 16
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
			cfg, err := b.Build(format, []byte(shopCollection), nil, nil, nil)
			if err != nil {
				errs <- err
				return
			}
			out := o.Run(context.Background(), cfg)
			rec := httptest.NewRecorder()
			Deliver(rec, httptest.NewRequest(http.MethodPost, "/run/"+format, nil), out, quietLogger())
			if rec.Code != http.StatusOK {
				errs <- fmt.Errorf("%s: status %d", format, rec.Code)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty folder, found %d entries", len(entries))
	}
}

func TestTimeoutFromMillis(t *testing.T) {
	cases := []struct {
		ms   int64
		want time.Duration
		ok   bool
	}{
		{1, time.Millisecond, true},
		{300000, DefaultTimeout, true},
		{MaxTimeoutMillis, time.Duration(MaxTimeoutMillis) * time.Millisecond, true},
		{MaxTimeoutMillis + 1, 0, false},
		{18446744073710, 0, false},
		{0, 0, false},
		{-5, 0, false},
	}
	for _, tc := range cases {
		got, ok := TimeoutFromMillis(tc.ms)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("TimeoutFromMillis(%d) = %s, %v", tc.ms, got, ok)
		}
		if ok && got <= 0 {
			t.Fatalf("TimeoutFromMillis(%d) overflowed to %s", tc.ms, got)
		}
	}
}
