package libupdate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/pipeline"
)

func writeAppConfig(t *testing.T, root, key, body string) {
	t.Helper()
	dir := filepath.Join(root, "conf.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, key+".json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "xdg"))
	if err := os.MkdirAll(filepath.Join(root, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func directAppJSON(key, url string) string {
	return fmt.Sprintf(`{
  "app_key": %q,
  "name": %q,
  "enabled": true,
  "application": {
    "type": "direct_download",
    "download_url": %q,
    "allow_insecure_http": true
  }
}`, key, key, url)
}

func TestRunDryRun(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mux := http.NewServeMux()
	mux.HandleFunc("/demo_1.4.0.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("bits"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := testRoot(t)
	writeAppConfig(t, root, "demo", directAppJSON("demo", srv.URL+"/demo_1.4.0.tar.gz"))

	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := u.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := pipeline.Totals{Updated: 1}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("totals (-got +want):\n%s", diff)
	}
	if v := u.Ledger().Get(ctx, "demo"); v != "1.4.0" {
		t.Errorf("ledger: got: %q, want: %q", v, "1.4.0")
	}
}

func TestRunNothingEnabled(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	root := testRoot(t)
	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := u.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, pipeline.Totals{}); diff != "" {
		t.Errorf("totals (-got +want):\n%s", diff)
	}
}

func TestRunUnknownKeysOnly(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	root := testRoot(t)
	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true, Keys: []string{"nope"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = u.Run(ctx)
	if !errors.Is(err, appupd.ErrCLI) {
		t.Errorf("got: %v, want kind CLI_ERROR", err)
	}
}

func TestRunUnknownKeySkipped(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mux := http.NewServeMux()
	mux.HandleFunc("/demo_1.4.0.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("bits"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := testRoot(t)
	writeAppConfig(t, root, "demo", directAppJSON("demo", srv.URL+"/demo_1.4.0.tar.gz"))

	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true, Keys: []string{"demo", "ghost"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := u.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := pipeline.Totals{Updated: 1}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("totals (-got +want):\n%s", diff)
	}
}

// Filtering unknown keys must not rearrange the caller's slice.
func TestRunKeysLeftIntact(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mux := http.NewServeMux()
	mux.HandleFunc("/demo_1.4.0.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("bits"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := testRoot(t)
	writeAppConfig(t, root, "demo", directAppJSON("demo", srv.URL+"/demo_1.4.0.tar.gz"))

	keys := []string{"ghost", "demo"}
	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true, Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if want := []string{"ghost", "demo"}; !cmp.Equal(keys, want) {
		t.Errorf("keys mutated: got: %v, want: %v", keys, want)
	}
}

// A broken enabled config is tallied as failed without aborting the run.
func TestRunBrokenConfigCounted(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	root := testRoot(t)
	writeAppConfig(t, root, "broken", `{"app_key":"broken","enabled":true,"application":{"type":"github_release"}}`)

	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := u.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := pipeline.Totals{Failed: 1}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("totals (-got +want):\n%s", diff)
	}
}

func TestCacheDurationOverride(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	root := testRoot(t)
	u, err := New(ctx, Options{ConfigRoot: root, DryRun: true, CacheDuration: 60 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := u.Settings().CacheDuration, 60; got != want {
		t.Errorf("cache_duration: got: %d, want: %d", got, want)
	}
}
