package appupd

import (
	"fmt"
	"regexp"
	"strings"

	version "github.com/knqyf263/go-deb-version"
)

// NotInstalled is the sentinel version recorded for applications that have
// never been installed by this tool.
const NotInstalled = `0.0.0`

// VerPrefix matches the leading version portion of a tag or filename
// fragment: dotted digit groups with an optional suffix led by "-", "~",
// or "+".
var verPrefix = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)*(?:[-~+][0-9A-Za-z.~+-]+)?`)

// Normalize strips a leading "v"/"V" and surrounding whitespace, then
// reduces the string to its leading version prefix.
//
// The empty string is returned when no version prefix is present.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	return verPrefix.FindString(s)
}

// DigitRun matches a maximal run of decimal digits.
var digitRun = regexp.MustCompile(`[0-9]+`)

// CanonNumeric drops leading zeros from every numeric segment; segments
// compare by value, and the parser must never see the zero-padded form.
func canonNumeric(s string) string {
	return digitRun.ReplaceAllStringFunc(s, func(d string) string {
		if t := strings.TrimLeft(d, "0"); t != "" {
			return t
		}
		return "0"
	})
}

func debVersion(s string) (version.Version, error) {
	return version.NewVersion(canonNumeric(orZero(Normalize(s))))
}

// Compare compares two version strings under Debian precedence rules,
// reporting -1, 0, or 1. Inputs are normalized before comparison.
func Compare(a, b string) (int, error) {
	va, err := debVersion(a)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", a, err)
	}
	vb, err := debVersion(b)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", b, err)
	}
	switch {
	case va.LessThan(vb):
		return -1, nil
	case va.GreaterThan(vb):
		return 1, nil
	}
	return 0, nil
}

// IsNewer reports whether candidate sorts strictly after current.
//
// A candidate that does not parse is never newer. A current version that
// does not parse is treated as [NotInstalled].
func IsNewer(candidate, current string) bool {
	vc, err := debVersion(candidate)
	if err != nil {
		return false
	}
	vr, err := debVersion(current)
	if err != nil {
		vr, _ = version.NewVersion(NotInstalled)
	}
	return vc.GreaterThan(vr)
}

func orZero(s string) string {
	if s == "" {
		return NotInstalled
	}
	return s
}

// FnameVersion digs a version out of a filename, e.g.
// "app-image_4.2.1-amd64.AppImage" yields "4.2.1". The first dotted digit
// run of at least two groups wins.
var fnameVersion = regexp.MustCompile(`[-_.]v?([0-9]+(?:\.[0-9]+)+)`)

// VersionFromFilename extracts a version embedded in a file or URL
// basename, returning "" when none is present.
func VersionFromFilename(name string) string {
	m := fnameVersion.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return Normalize(m[1])
}
