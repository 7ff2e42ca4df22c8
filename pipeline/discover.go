package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/checker"
	"github.com/appupd/appupd/github"
	"github.com/appupd/appupd/internal/fetch"
)

// InstallKind selects the installer entry point for a discovery.
type installKind int

const (
	// ByExtension defers the choice to the artifact's file extension.
	byExtension installKind = iota
	asDeb
	asArchive
	asAppImage
	asFlatpak
	asScript
)

// Discovery is the outcome of the version-discovery step: the newest
// published version and how to obtain and install it.
type discovery struct {
	version string
	// URL of the artifact to download. Empty for flatpak, whose payload
	// the bundle manager fetches itself.
	url string
	// ReleaseDigest is the sha256 carried on a release asset, when
	// offered.
	releaseDigest string
	// ExplicitSum is a checker-supplied expected checksum.
	explicitSum string
	flatpakID   string
	// Prefetched names an artifact already downloaded during discovery
	// (metadata-based version extraction); the fetch step moves it into
	// the artifact tree instead of downloading again.
	prefetched string
	installAs  installKind
}

// Discover finds the latest published version for app. The returned
// config is the effective one: for custom apps the checker verdict is
// folded into a copy, all other types return app unchanged.
func (p *Pipeline) discover(ctx context.Context, app *appupd.AppConfig) (discovery, *appupd.AppConfig, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "pipeline/Pipeline.discover", "app", app.Key)
	var zero discovery
	pol := app.Spec.Policy()
	switch spec := app.Spec.(type) {
	case *appupd.GitHubRelease:
		d, err := p.discoverRelease(ctx, spec.RepoOwner, spec.RepoName, spec.FilenamePattern, pol.AllowInsecureHTTP)
		return d, app, err
	case *appupd.AppImage:
		if spec.ViaRelease() {
			d, err := p.discoverRelease(ctx, spec.RepoOwner, spec.RepoName, spec.FilenamePattern, pol.AllowInsecureHTTP)
			d.installAs = asAppImage
			return d, app, err
		}
		d, err := p.discoverByFilename(ctx, app, spec.DownloadURL, pol.AllowInsecureHTTP, false)
		d.installAs = asAppImage
		return d, app, err
	case *appupd.DirectDownload:
		d, err := p.discoverByFilename(ctx, app, spec.DownloadURL, pol.AllowInsecureHTTP, true)
		return d, app, err
	case *appupd.Script:
		d, err := p.discoverScript(ctx, spec, pol.AllowInsecureHTTP)
		return d, app, err
	case *appupd.Flatpak:
		ver, err := p.Install.FlatpakVersion(ctx, app.Key, spec.AppID)
		if err != nil {
			return zero, app, err
		}
		return discovery{version: ver, flatpakID: spec.AppID, installAs: asFlatpak}, app, nil
	case *appupd.Custom:
		return p.discoverCustom(ctx, app)
	}
	return zero, app, &appupd.Error{
		Kind:    appupd.ErrConfig,
		Op:      `pipeline.discover`,
		Message: fmt.Sprintf("app %q: unhandled type %q", app.Key, app.Spec.Type()),
	}
}

// DiscoverRelease walks the releases-list endpoint: newest release,
// version from its tag, asset by filled-in filename pattern.
func (p *Pipeline) discoverRelease(ctx context.Context, owner, repo, pattern string, allowInsecure bool) (discovery, error) {
	var zero discovery
	index := github.ReleasesURL
	if p.ReleaseIndex != nil {
		index = p.ReleaseIndex
	}
	doc, err := p.Fetch.FetchCached(ctx, index(owner, repo), fetch.JSON, allowInsecure)
	if err != nil {
		return zero, err
	}
	rs, err := github.ParseReleases(doc)
	if err != nil {
		return zero, err
	}
	rel, err := github.Latest(rs)
	if err != nil {
		return zero, err
	}
	ver := rel.Version()
	if ver == "" {
		return zero, &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `pipeline.discover`,
			Message: fmt.Sprintf("release tag %q carries no version", rel.TagName),
		}
	}
	filename := fmt.Sprintf(pattern, ver)
	u, err := rel.AssetURL(filename, pattern, allowInsecure)
	if err != nil {
		return zero, err
	}
	return discovery{
		version:       ver,
		url:           u,
		releaseDigest: rel.AssetDigest(filename),
	}, nil
}

// DiscoverByFilename resolves the effective URL and digs the version out
// of its basename, optionally falling back to the downloaded package's
// own metadata.
func (p *Pipeline) discoverByFilename(ctx context.Context, app *appupd.AppConfig, rawurl string, allowInsecure, metaFallback bool) (discovery, error) {
	var zero discovery
	final, err := p.Fetch.ResolveURL(ctx, rawurl, allowInsecure)
	if err != nil {
		return zero, err
	}
	ver := appupd.VersionFromFilename(artifactBase(final))
	d := discovery{version: ver, url: final}
	if ver != "" {
		return d, nil
	}
	if metaFallback && strings.HasSuffix(artifactBase(final), ".deb") {
		return p.debMetaVersion(ctx, app, d)
	}
	return zero, &appupd.Error{
		Kind:    appupd.ErrValidation,
		Op:      `pipeline.discover`,
		Message: fmt.Sprintf("app %q: no version in %q", app.Key, artifactBase(final)),
	}
}

// DebMetaVersion downloads the package up front and reads its Version
// control field.
func (p *Pipeline) debMetaVersion(ctx context.Context, app *appupd.AppConfig, d discovery) (discovery, error) {
	var zero discovery
	dest := filepath.Join(p.Install.TmpDir, fetch.CacheKey(d.url)+".deb")
	if err := p.Fetch.Download(ctx, d.url, dest, "", "", app.Spec.Policy().AllowInsecureHTTP); err != nil {
		return zero, err
	}
	if _, err := os.Stat(dest); err != nil {
		// Dry-run downloads are no-ops; without bytes there is no version.
		return zero, &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `pipeline.discover`,
			Message: fmt.Sprintf("app %q: version requires downloading %q", app.Key, artifactBase(d.url)),
		}
	}
	out, err := p.Install.Run.RunOutput(ctx, app.Key, "deb-version", appupd.ErrValidation, metaBudget,
		"dpkg-deb", "-f", dest, "Version")
	if err != nil {
		return zero, err
	}
	d.version = appupd.Normalize(out)
	if d.version == "" {
		return zero, &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `pipeline.discover`,
			Message: fmt.Sprintf("app %q: package metadata carries no version", app.Key),
		}
	}
	d.prefetched = dest
	return d, nil
}

// DiscoverScript reads the version endpoint, preferring a JSON tag_name
// and falling back to the configured regular expression.
func (p *Pipeline) discoverScript(ctx context.Context, spec *appupd.Script, allowInsecure bool) (discovery, error) {
	var zero discovery
	doc, err := p.Fetch.FetchCached(ctx, spec.VersionURL, fetch.Raw, allowInsecure)
	if err != nil {
		return zero, err
	}
	body, err := os.ReadFile(doc)
	if err != nil {
		return zero, err
	}

	var ver string
	var tagged struct {
		TagName string `json:"tag_name"`
	}
	if json.Unmarshal(body, &tagged) == nil && tagged.TagName != "" {
		ver = appupd.Normalize(tagged.TagName)
	}
	if ver == "" && spec.VersionRegex != "" {
		re, err := regexp.Compile(spec.VersionRegex)
		if err != nil {
			return zero, &appupd.Error{
				Inner:   err,
				Kind:    appupd.ErrConfig,
				Op:      `pipeline.discover`,
				Message: fmt.Sprintf("bad version_regex %q", spec.VersionRegex),
			}
		}
		if m := re.FindSubmatch(body); m != nil && len(m) > 1 {
			// Prefer the canonical semver form when the capture parses as
			// one; page scrapes are messier than release tags.
			if sv, err := semver.NewVersion(string(m[1])); err == nil {
				ver = sv.String()
			} else {
				ver = appupd.Normalize(string(m[1]))
			}
		}
	}
	if ver == "" {
		return zero, &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `pipeline.discover`,
			Message: fmt.Sprintf("no version found at %q", spec.VersionURL),
		}
	}
	return discovery{version: ver, url: spec.DownloadURL, installAs: asScript}, nil
}

// DiscoverCustom delegates to the external checker and folds its verdict
// into an effective config.
func (p *Pipeline) discoverCustom(ctx context.Context, app *appupd.AppConfig) (discovery, *appupd.AppConfig, error) {
	var zero discovery
	v, err := checker.Check(ctx, app, p.CheckerBudget)
	if err != nil {
		return zero, app, err
	}
	if v.Status == checker.StatusNoUpdate {
		// Report the installed version back so the compare step lands on
		// up-to-date.
		return discovery{version: p.Ledger.Get(ctx, app.Key)}, app, nil
	}

	pol := *app.Spec.Policy()
	if v.ChecksumURL != "" {
		pol.Checksum.URL = v.ChecksumURL
	}
	if v.GPGKeyID != "" {
		pol.Signature.KeyID = v.GPGKeyID
	}
	if v.GPGFingerprint != "" {
		pol.Signature.Fingerprint = v.GPGFingerprint
	}
	if v.InstallTargetPath != "" {
		pol.InstallPath = v.InstallTargetPath
	}

	d := discovery{
		version:     appupd.Normalize(v.LatestVersion),
		url:         v.DownloadURL,
		explicitSum: v.ExpectedChecksum,
	}
	eff := *app
	switch v.InstallType {
	case checker.InstallFlatpak:
		d.installAs = asFlatpak
		d.flatpakID = v.FlatpakAppID
		d.url = ""
		eff.Spec = &appupd.Flatpak{Common: pol, AppID: v.FlatpakAppID}
	case checker.InstallDeb:
		d.installAs = asDeb
		eff.Spec = &appupd.DirectDownload{Common: pol, DownloadURL: v.DownloadURL}
	case checker.InstallAppImage:
		d.installAs = asAppImage
		eff.Spec = &appupd.DirectDownload{Common: pol, DownloadURL: v.DownloadURL}
	case checker.InstallTgz:
		d.installAs = asArchive
		if pol.InstallStrategy == "" {
			pol.InstallStrategy = appupd.StrategyMoveBinary
		}
		eff.Spec = &appupd.DirectDownload{Common: pol, DownloadURL: v.DownloadURL}
	}
	return d, &eff, nil
}

// ArtifactBase is the basename of a URL's path component.
func artifactBase(rawurl string) string {
	if i := strings.IndexAny(rawurl, "?#"); i >= 0 {
		rawurl = rawurl[:i]
	}
	return path.Base(rawurl)
}
