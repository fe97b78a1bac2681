package reports

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/criteo/newman-server/internal/reporter"
	"pkt.systems/pslog"
)

func TestEnsureFolderCreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	abs, err := EnsureFolder(dir, nil)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if st, err := os.Stat(abs); err != nil || !st.IsDir() {
		t.Fatalf("folder not created: %v", err)
	}
}

func TestEnsureFolderPurgesFilesOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"htmlResults-1.html", "junitResults-2.xml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sub := filepath.Join(dir, "keep")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)
	if _, err := EnsureFolder(dir, logger); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "keep" {
		t.Fatalf("unexpected entries after purge: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(sub, "nested.html")); err != nil {
		t.Fatalf("purge must not recurse: %v", err)
	}
	if !strings.Contains(buf.String(), "reports.purged") {
		t.Fatalf("expected purge log, got %q", buf.String())
	}
}

func TestEnsureFolderIdempotent(t *testing.T) {
	dir := t.TempDir()
	for range 2 {
		if _, err := EnsureFolder(dir, nil); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty folder, got %v %v", entries, err)
	}
}

func TestEnsureFolderRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureFolder(file, nil); err == nil {
		t.Fatalf("expected error for non-directory path")
	}
}

func TestNextPathDistinct(t *testing.T) {
	const n = 500
	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
		wg   sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := reporter.HTML
			if i%2 == 0 {
				kind = reporter.JUnit
			}
			p := NextPath("/tmp/reports", kind)
			mu.Lock()
			seen[p] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct paths got %d", n, len(seen))
	}
	p := NextPath("/tmp/reports", reporter.HTML)
	base := filepath.Base(p)
	if !strings.HasPrefix(base, "htmlResults-") || !strings.HasSuffix(base, ".html") || filepath.Dir(p) != "/tmp/reports" {
		t.Fatalf("unexpected path shape %s", p)
	}
}
