package appupd

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	tt := []struct{ in, want string }{
		{"v1.2.3", "1.2.3"},
		{"V2.0", "2.0"},
		{"  v1.1.0\n", "1.1.0"},
		{"1.2.3-rc.1", "1.2.3-rc.1"},
		{"1.2.3+build.5", "1.2.3+build.5"},
		{"2.0.0~beta", "2.0.0~beta"},
		{"v1.0~rc1", "1.0~rc1"},
		{"5.0.17 (stable)", "5.0.17"},
		{"release", ""},
		{"", ""},
	}
	for _, tc := range tt {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q): got: %q, want: %q", tc.in, got, tc.want)
		}
	}
}

func TestCompare(t *testing.T) {
	tt := []struct {
		a, b string
		want int
	}{
		{"1.1.0", "1.1.0", 0},
		{"v1.1.0", "1.1.0", 0},
		{"1.2.0", "1.1.9", 1},
		{"1.10.0", "1.9.0", 1},
		{"1.0.0-rc1", "1.0.0", 1}, // hyphenated suffix is a Debian revision, absent revision is "0"
		{"2.0.0~beta", "2.0.0", -1},
		{"1.01.0", "1.1.0", 0}, // leading zeros ignored
		{"1.002.10", "1.2.10", 0},
		{"0.09", "0.9", 0},
		{"1.010.0", "1.2.0", 1},
		{"0.0.0", "0.0.0", 0},
	}
	for _, tc := range tt {
		got, err := Compare(tc.a, tc.b)
		if err != nil {
			t.Fatalf("Compare(%q, %q): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("Compare(%q, %q): got: %d, want: %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIsNewer(t *testing.T) {
	tt := []struct {
		candidate, current string
		want               bool
	}{
		{"1.1.0", "1.0.0", true},
		{"1.0.0", "1.1.0", false},
		{"1.1.0", "1.1.0", false},
		{"1.1.0", "", true},
		{"", "1.0.0", false},
		{"garbage", "1.0.0", false},
	}
	for _, tc := range tt {
		if got := IsNewer(tc.candidate, tc.current); got != tc.want {
			t.Errorf("IsNewer(%q, %q): got: %v, want: %v", tc.candidate, tc.current, got, tc.want)
		}
	}
}

// Every well-formed non-empty version is newer than the not-installed
// sentinel.
func TestNewerThanSentinel(t *testing.T) {
	for _, v := range []string{
		"0.0.1", "0.1", "1", "1.0.0", "2.3.4-rc.1", "10.0", "v3.2.1",
		"1.0.0+build", "0.0.0.1",
	} {
		if !IsNewer(v, NotInstalled) {
			t.Errorf("IsNewer(%q, %q): got: false, want: true", v, NotInstalled)
		}
	}
}

func TestVersionFromFilename(t *testing.T) {
	tt := []struct{ in, want string }{
		{"test-app-v1.1.0.deb", "1.1.0"},
		{"app-image_4.2.1-amd64.AppImage", "4.2.1"},
		{"tool-2.0.tar.gz", "2.0"},
		{"plain.deb", ""},
		{"https://example.com/dl/thing_9.8.7.zip", "9.8.7"},
	}
	for _, tc := range tt {
		if got := VersionFromFilename(tc.in); got != tc.want {
			t.Errorf("VersionFromFilename(%q): got: %q, want: %q", tc.in, got, tc.want)
		}
	}
}
