package registry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/store"
)

const testManifest = `
schema_version = 1
name = "core"

[[packages]]
name = "jq"
version = "1.7.1"
source = "https://example.com/jq.tar.gz"
build = "true"
`

func discardLogger() *logging.Logger {
	return logging.New(io.Discard, logging.Off)
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "core.toml")
	if err := os.WriteFile(p, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := New(discardLogger())
	got, err := f.Fetch(context.Background(), "file://"+p)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != testManifest {
		t.Errorf("Fetch returned unexpected bytes")
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	}))
	defer srv.Close()

	f := New(discardLogger())
	got, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != testManifest {
		t.Errorf("Fetch returned unexpected bytes")
	}
}

func TestFetchHTTPSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	f := New(discardLogger())
	f.MaxBytes = 10
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Errorf("expected size-cap error")
	}
}

func TestStale(t *testing.T) {
	f := New(discardLogger())
	f.TTL = time.Hour
	if !f.Stale(nil) {
		t.Errorf("a registry never fetched should be stale")
	}
	fresh := time.Now()
	if f.Stale(&fresh) {
		t.Errorf("a just-fetched registry should not be stale")
	}
	old := time.Now().Add(-2 * time.Hour)
	if !f.Stale(&old) {
		t.Errorf("a registry older than TTL should be stale")
	}
}

func TestRefreshAllTolerantOfPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	}))
	defer srv.Close()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	if err := st.UpsertRegistry("good", srv.URL); err != nil {
		t.Fatalf("UpsertRegistry: %v", err)
	}
	if err := st.UpsertRegistry("bad", "http://127.0.0.1:1/unreachable"); err != nil {
		t.Fatalf("UpsertRegistry: %v", err)
	}

	f := New(discardLogger())
	f.Timeout = 2 * time.Second
	results, err := f.RefreshAll(context.Background(), st)
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	var goodErr, badErr error
	for _, r := range results {
		switch r.Registry {
		case "good":
			goodErr = r.Err
		case "bad":
			badErr = r.Err
		}
	}
	if goodErr != nil {
		t.Errorf("good registry should have refreshed, got %v", goodErr)
	}
	if badErr == nil {
		t.Errorf("bad registry should have failed")
	}

	cands, err := st.Candidates("jq")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 1 {
		t.Errorf("the good registry's packages should still be queryable, got %d", len(cands))
	}
}

func TestRefreshAllSkipsFreshRegistries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(testManifest))
	}))
	defer srv.Close()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	if err := st.UpsertRegistry("core", srv.URL); err != nil {
		t.Fatalf("UpsertRegistry: %v", err)
	}

	f := New(discardLogger())
	if _, err := f.RefreshAll(context.Background(), st); err != nil {
		t.Fatalf("RefreshAll (1st): %v", err)
	}
	if _, err := f.RefreshAll(context.Background(), st); err != nil {
		t.Fatalf("RefreshAll (2nd): %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one HTTP fetch within the TTL, got %d", calls)
	}
}
