package appupd

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSpecValidate(t *testing.T) {
	tt := []struct {
		name string
		spec AppSpec
		ok   bool
	}{
		{"github ok", &GitHubRelease{RepoOwner: "o", RepoName: "r", FilenamePattern: "app-%s.deb"}, true},
		{"github no owner", &GitHubRelease{RepoName: "r", FilenamePattern: "app-%s.deb"}, false},
		{"github two slots", &GitHubRelease{RepoOwner: "o", RepoName: "r", FilenamePattern: "%s-%s.deb"}, false},
		{"github no slot", &GitHubRelease{RepoOwner: "o", RepoName: "r", FilenamePattern: "app.deb"}, false},
		{"direct ok", &DirectDownload{DownloadURL: "https://example.com/a.deb"}, true},
		{"direct http refused", &DirectDownload{DownloadURL: "http://example.com/a.deb"}, false},
		{"direct http allowed", &DirectDownload{
			Common:      Common{AllowInsecureHTTP: true},
			DownloadURL: "http://example.com/a.deb",
		}, true},
		{"appimage via release", &AppImage{RepoOwner: "o", RepoName: "r", FilenamePattern: "a-%s.AppImage"}, true},
		{"appimage via url", &AppImage{DownloadURL: "https://example.com/a.AppImage"}, true},
		{"appimage neither", &AppImage{}, false},
		{"script ok", &Script{DownloadURL: "https://e.com/i.sh", VersionURL: "https://e.com/v"}, true},
		{"script no version url", &Script{DownloadURL: "https://e.com/i.sh"}, false},
		{"flatpak ok", &Flatpak{AppID: "org.example.App"}, true},
		{"flatpak empty", &Flatpak{}, false},
		{"custom ok", &Custom{CheckerScript: "/opt/check.sh", CheckerFunc: "check"}, true},
		{"custom no func", &Custom{CheckerScript: "/opt/check.sh"}, false},
		{"traversal path", &Flatpak{
			Common: Common{InstallPath: "/usr/local/../etc"},
			AppID:  "org.example.App",
		}, false},
		{"relative path", &Flatpak{
			Common: Common{InstallPath: "opt/app"},
			AppID:  "org.example.App",
		}, false},
		{"tilde path", &Flatpak{
			Common: Common{InstallPath: "~/Applications/app"},
			AppID:  "org.example.App",
		}, true},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrConfig) {
					t.Errorf("expected CONFIG_ERROR, got: %v", err)
				}
			}
		})
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := NewSpec(AppType("snap")); !errors.Is(err, ErrConfig) {
		t.Errorf("expected CONFIG_ERROR, got: %v", err)
	}
}

func TestMarshalFlat(t *testing.T) {
	app := &AppConfig{
		Key:     "TestApp",
		Name:    "Test App",
		Enabled: true,
		Spec: &GitHubRelease{
			Common: Common{
				PackageName: "test-app",
				Checksum:    Checksum{URL: "https://example.com/SHA256SUMS"},
				Signature:   Signature{KeyID: "ABCD", Fingerprint: "ABCD1234"},
			},
			RepoOwner:       "owner",
			RepoName:        "repo",
			FilenamePattern: "test-app-v%s.deb",
		},
	}
	b, err := app.MarshalFlat()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]any{
		"app_key":                   "TestApp",
		"type":                      "github_release",
		"enabled":                   true,
		"repo_owner":                "owner",
		"filename_pattern_template": "test-app-v%s.deb",
		"checksum_url":              "https://example.com/SHA256SUMS",
		"gpg_fingerprint":           "ABCD1234",
		"package_name":              "test-app",
	} {
		if got := m[k]; got != want {
			t.Errorf("%s: got: %v, want: %v", k, got, want)
		}
	}
}

func TestSigURLDefault(t *testing.T) {
	var s Signature
	if got, want := s.ResolveSigURL("https://e.com/a.deb"), "https://e.com/a.deb.sig"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	s.SigURL = "https://e.com/a.deb.asc"
	if got := s.ResolveSigURL("https://e.com/a.deb"); got != s.SigURL {
		t.Errorf("got: %q, want: %q", got, s.SigURL)
	}
}

func TestBinaryName(t *testing.T) {
	c := Common{InstallPath: "/usr/local/bin/mytool"}
	if got, want := c.BinaryName("MyTool"), "mytool"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	var empty Common
	if got, want := empty.BinaryName("MyTool"), "mytool"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
