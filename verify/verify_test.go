package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/fetch"
)

func testVerifier(t *testing.T, mux http.Handler) (*Verifier, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := fetch.New(fetch.Options{
		CacheDir: t.TempDir(),
		TTL:      time.Minute,
		Backoff:  time.Millisecond,
	})
	return &Verifier{Fetch: c}, srv
}

func writeArtifact(t *testing.T, name string, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func appWith(c appupd.Common) *appupd.AppConfig {
	return &appupd.AppConfig{
		Key:     "TestApp",
		Enabled: true,
		Spec:    &appupd.DirectDownload{Common: c, DownloadURL: "https://example.com/a.deb"},
	}
}

func TestChecksumFromManifest(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	body := []byte("deb payload")
	sum := sha256.Sum256(body)
	artifact := writeArtifact(t, "foo.deb", body)

	mux := http.NewServeMux()
	mux.HandleFunc("/SHA256SUMS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s  foo.deb\n", hex.EncodeToString(sum[:]))
	})
	v, srv := testVerifier(t, mux)

	app := appWith(appupd.Common{
		AllowInsecureHTTP: true,
		Checksum:          appupd.Checksum{URL: srv.URL + "/SHA256SUMS"},
	})
	if err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "", ""); err != nil {
		t.Fatal(err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	artifact := writeArtifact(t, "foo.deb", []byte("actual bytes"))

	mux := http.NewServeMux()
	mux.HandleFunc("/SHA256SUMS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef  foo.deb")
	})
	v, srv := testVerifier(t, mux)

	app := appWith(appupd.Common{
		AllowInsecureHTTP: true,
		Checksum:          appupd.Checksum{URL: srv.URL + "/SHA256SUMS"},
	})
	err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "", "")
	if !errors.Is(err, appupd.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got: %v", err)
	}
}

func TestChecksumPriority(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	body := []byte("payload")
	sum := sha256.Sum256(body)
	artifact := writeArtifact(t, "foo.deb", body)
	v, srv := testVerifier(t, http.NewServeMux())

	// The explicit argument wins over everything; a wrong explicit sum
	// fails even when the release digest is right.
	app := appWith(appupd.Common{
		AllowInsecureHTTP: true,
		Checksum:          appupd.Checksum{FromReleaseDigest: true},
	})
	good := hex.EncodeToString(sum[:])
	if err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", good, "deadbeef"); err != nil {
		t.Fatalf("explicit sum should win: %v", err)
	}
	err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "deadbeef", good)
	if !errors.Is(err, appupd.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got: %v", err)
	}
	// Release digest applies when opted in and no explicit sum.
	if err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "", good); err != nil {
		t.Fatalf("release digest should apply: %v", err)
	}
}

func TestManifestMissingEntry(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	artifact := writeArtifact(t, "foo.deb", []byte("x"))
	mux := http.NewServeMux()
	mux.HandleFunc("/SHA256SUMS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef  other.deb")
	})
	v, srv := testVerifier(t, mux)
	app := appWith(appupd.Common{
		AllowInsecureHTTP: true,
		Checksum:          appupd.Checksum{URL: srv.URL + "/SHA256SUMS"},
	})
	err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "", "")
	if !errors.Is(err, appupd.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got: %v", err)
	}
}

func TestNothingConfiguredIsNoop(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	artifact := writeArtifact(t, "foo.deb", []byte("x"))
	v, srv := testVerifier(t, http.NewServeMux())
	app := appWith(appupd.Common{AllowInsecureHTTP: true})
	if err := v.Verify(ctx, artifact, app, srv.URL+"/foo.deb", "", ""); err != nil {
		t.Fatal(err)
	}
}

func TestValidSigFingerprint(t *testing.T) {
	out := []byte(`[GNUPG:] NEWSIG
[GNUPG:] SIG_ID abcdef 2026-01-01 1767225600
[GNUPG:] VALIDSIG 0123456789ABCDEF0123456789ABCDEF01234567 2026-01-01 1767225600 0 4 0 1 10 00
gpg: Good signature
`)
	if got, want := validSigFingerprint(out), "0123456789ABCDEF0123456789ABCDEF01234567"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got := validSigFingerprint([]byte("gpg: BAD signature")); got != "" {
		t.Errorf("expected empty, got: %q", got)
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	a := normalizeFingerprint("0123 4567 89ab cdef 0123 4567 89AB CDEF 0123 4567")
	b := normalizeFingerprint("0123456789ABCDEF0123456789ABCDEF01234567")
	if a != b {
		t.Errorf("%q != %q", a, b)
	}
}
