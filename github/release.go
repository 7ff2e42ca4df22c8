// Package github speaks the releases-list JSON protocol of a code-hosting
// service: a JSON array, element 0 the latest release, each release naming
// a tag and its downloadable assets.
package github

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/appupd/appupd"
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	// Digest, when present, has the form "sha256:<hex>".
	Digest string `json:"digest,omitempty"`
}

// Release is one entry of the releases list.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// ReleasesURL is the public releases-list endpoint for a repository.
func ReleasesURL(owner, repo string) string {
	return fmt.Sprintf("https://api.github.com/repos/%s/%s/releases", owner, repo)
}

// ParseReleases decodes a releases-list document from a file, as produced
// by the fetch layer.
func ParseReleases(path string) ([]Release, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs []Release
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `github.ParseReleases`, Message: "malformed releases document"}
	}
	return rs, nil
}

// Latest returns element 0 of the list.
func Latest(rs []Release) (*Release, error) {
	if len(rs) == 0 {
		return nil, &appupd.Error{Kind: appupd.ErrNetwork, Op: `github.Latest`, Message: "empty releases list"}
	}
	return &rs[0], nil
}

// Version is the release's normalized version: the tag with any leading
// "v" stripped and reduced to its version prefix.
func (r *Release) Version() string {
	return appupd.Normalize(r.TagName)
}

// AssetURL resolves the download URL for the wanted filename.
//
// Assets are matched by exact name first, then by treating the original
// pattern as a loose match: the "%s" slot becomes ".*" and everything else
// is literal. A resolved non-https URL fails with SECURITY_ERROR unless the
// app allows insecure transport.
func (r *Release) AssetURL(filename, pattern string, allowInsecure bool) (string, error) {
	var found *Asset
	for i := range r.Assets {
		if r.Assets[i].Name == filename {
			found = &r.Assets[i]
			break
		}
	}
	if found == nil && pattern != "" {
		re, err := patternRegexp(pattern)
		if err != nil {
			return "", err
		}
		for i := range r.Assets {
			if re.MatchString(r.Assets[i].Name) {
				found = &r.Assets[i]
				break
			}
		}
	}
	if found == nil {
		return "", &appupd.Error{
			Kind:    appupd.ErrNetwork,
			Op:      `github.AssetURL`,
			Message: fmt.Sprintf("release %q has no asset matching %q", r.TagName, filename),
		}
	}
	u := found.BrowserDownloadURL
	if !strings.HasPrefix(u, "https://") && !allowInsecure {
		return "", &appupd.Error{
			Kind:    appupd.ErrSecurity,
			Op:      `github.AssetURL`,
			Message: fmt.Sprintf("asset %q resolves to non-https URL %q", found.Name, u),
		}
	}
	return u, nil
}

// AssetDigest returns the sha256 hex recorded for the named asset, or ""
// when absent or malformed.
func (r *Release) AssetDigest(filename string) string {
	for i := range r.Assets {
		if r.Assets[i].Name != filename {
			continue
		}
		d, err := appupd.ParseDigest(r.Assets[i].Digest)
		if err != nil || d.Algorithm() != "sha256" {
			return ""
		}
		return d.Hex()
	}
	return ""
}

// PatternRegexp compiles a filename pattern into a regexp: the single "%s"
// slot matches anything, the rest is literal.
func patternRegexp(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "%s")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
