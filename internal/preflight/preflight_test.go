package preflight_test

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"radiolink/internal/preflight"
	"radiolink/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		passed bool
	}{
		{"temp dir", t.TempDir(), true},
		{"missing", filepath.Join(t.TempDir(), "nope"), false},
		{"file", file, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := preflight.CheckDirectoryAccess("test", tc.path)
			if result.Passed != tc.passed {
				t.Fatalf("expected passed=%v, got %+v", tc.passed, result)
			}
			if result.Detail == "" {
				t.Fatal("expected non-empty detail")
			}
		})
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := preflight.CheckFreeSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected pass with a 1 byte minimum, got %+v", result)
	}
	if result := preflight.CheckFreeSpace("space", dir, math.MaxInt64); result.Passed {
		t.Fatalf("expected failure with an impossible minimum, got %+v", result)
	}
	if result := preflight.CheckFreeSpace("space", filepath.Join(dir, "missing"), 1); result.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if result := preflight.CheckEndpoint(context.Background(), srv.URL+"/upload"); !result.Passed {
		t.Fatalf("any HTTP answer should count as reachable, got %+v", result)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	if result := preflight.CheckEndpoint(context.Background(), url); result.Passed {
		t.Fatalf("expected failure for closed server, got %+v", result)
	}
	if result := preflight.CheckEndpoint(context.Background(), " "); result.Passed {
		t.Fatal("expected failure for empty url")
	}
}

func TestRunAllReportsEveryCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(srv.URL))
	cfg.Intake.MaxFileMB = 1

	results := preflight.RunAll(context.Background(), cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if failed := preflight.Failed(results); len(failed) != 0 {
		t.Fatalf("expected all checks to pass, failed: %+v", failed)
	}

	if err := os.RemoveAll(cfg.Paths.ArchiveDir); err != nil {
		t.Fatal(err)
	}
	failed := preflight.Failed(preflight.RunAll(context.Background(), cfg))
	if len(failed) != 2 {
		t.Fatalf("expected archive access and free space failures, got %+v", failed)
	}
}
