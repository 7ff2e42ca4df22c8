package github

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/appupd/appupd"
)

const releasesDoc = `[
  {
    "tag_name": "v1.1.0",
    "assets": [
      {
        "name": "test-app-v1.1.0.deb",
        "browser_download_url": "https://example.com/dl/test-app-v1.1.0.deb",
        "digest": "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
      },
      {
        "name": "test-app-v1.1.0.tar.gz",
        "browser_download_url": "https://example.com/dl/test-app-v1.1.0.tar.gz"
      }
    ]
  },
  {"tag_name": "v1.0.0", "assets": []}
]`

func parseDoc(t *testing.T) []Release {
	t.Helper()
	p := filepath.Join(t.TempDir(), "releases.json")
	if err := os.WriteFile(p, []byte(releasesDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	rs, err := ParseReleases(p)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestLatestVersion(t *testing.T) {
	rs := parseDoc(t)
	r, err := Latest(rs)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Version(), "1.1.0"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if _, err := Latest(nil); err == nil {
		t.Error("expected error on empty list")
	}
}

func TestAssetURL(t *testing.T) {
	rs := parseDoc(t)
	r := &rs[0]
	// Exact match.
	u, err := r.AssetURL("test-app-v1.1.0.deb", "test-app-v%s.deb", false)
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://example.com/dl/test-app-v1.1.0.deb"; u != want {
		t.Errorf("got: %q, want: %q", u, want)
	}
	// Pattern fallback when the exact name differs.
	u, err = r.AssetURL("test-app-v1.1.0-rc.tar.gz", "test-app-v%s.tar.gz", false)
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://example.com/dl/test-app-v1.1.0.tar.gz"; u != want {
		t.Errorf("got: %q, want: %q", u, want)
	}
	// No match at all.
	if _, err := r.AssetURL("other.zip", "other-%s.zip", false); err == nil {
		t.Error("expected error")
	}
}

func TestAssetURLInsecure(t *testing.T) {
	r := &Release{
		TagName: "v1.0",
		Assets: []Asset{{
			Name:               "a.deb",
			BrowserDownloadURL: "http://example.com/a.deb",
		}},
	}
	_, err := r.AssetURL("a.deb", "", false)
	if !errors.Is(err, appupd.ErrSecurity) {
		t.Fatalf("expected SECURITY_ERROR, got: %v", err)
	}
	if _, err := r.AssetURL("a.deb", "", true); err != nil {
		t.Fatalf("allow_insecure_http should permit: %v", err)
	}
}

func TestAssetDigest(t *testing.T) {
	rs := parseDoc(t)
	r := &rs[0]
	if got, want := r.AssetDigest("test-app-v1.1.0.deb"), "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got := r.AssetDigest("test-app-v1.1.0.tar.gz"); got != "" {
		t.Errorf("expected empty digest, got: %q", got)
	}
	bad := &Release{Assets: []Asset{{Name: "x", Digest: "sha256:zz"}}}
	if got := bad.AssetDigest("x"); got != "" {
		t.Errorf("malformed digest must yield empty, got: %q", got)
	}
}

func TestPatternRegexpEscapes(t *testing.T) {
	re, err := patternRegexp("app-%s.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("app-1.2.3.tar.gz") {
		t.Error("expected match")
	}
	// The dot must be literal.
	if re.MatchString("app-123tarXgz") {
		t.Error("metacharacters leaked")
	}
}
