package appupd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// AppType discriminates the per-application update mechanisms.
type AppType string

// Known application types.
const (
	TypeGitHubRelease  AppType = "github_release"
	TypeDirectDownload AppType = "direct_download"
	TypeAppImage       AppType = "appimage"
	TypeScript         AppType = "script"
	TypeFlatpak        AppType = "flatpak"
	TypeCustom         AppType = "custom"
)

// Strategy selects the archive installation algorithm.
type Strategy string

// Known installation strategies.
const (
	StrategyMoveBinary   Strategy = "move_binary"
	StrategyCopyRoot     Strategy = "copy_root_contents"
	StrategyCompile      Strategy = "compile"
	StrategyMoveAppImage Strategy = "move_appimage"
)

// Checksum configures integrity verification for an artifact.
type Checksum struct {
	// URL of a checksum manifest ("<hex>  [*]<filename>" per line).
	URL string `json:"checksum_url,omitempty"`
	// Algorithm is one of sha256 (default), sha1, md5.
	Algorithm string `json:"checksum_algorithm,omitempty"`
	// FromReleaseDigest prefers the release asset's digest field.
	FromReleaseDigest bool `json:"checksum_from_release_digest,omitempty"`
}

// Signature configures detached-signature verification.
type Signature struct {
	KeyID       string `json:"gpg_key_id,omitempty"`
	Fingerprint string `json:"gpg_fingerprint,omitempty"`
	// SigURL defaults to the artifact URL with a ".sig" suffix.
	SigURL string `json:"sig_url,omitempty"`
}

// Configured reports whether signature verification is requested. Both the
// key id and the fingerprint must be present.
func (s *Signature) Configured() bool {
	return s.KeyID != "" && s.Fingerprint != ""
}

// ResolveSigURL returns the configured signature URL, or the conventional
// "<artifact URL>.sig" when unset.
func (s *Signature) ResolveSigURL(artifactURL string) string {
	if s.SigURL != "" {
		return s.SigURL
	}
	return artifactURL + ".sig"
}

// Common holds the policy fields shared by every application variant.
type Common struct {
	// InstallPath is where the installed payload lands, for variants that
	// place files directly. Must be absolute or "~"-prefixed, and must not
	// traverse.
	InstallPath string `json:"install_path,omitempty"`
	// PackageName is the name the system package manager knows the app by.
	PackageName string `json:"package_name,omitempty"`
	// InstallStrategy selects the archive strategy for archive payloads.
	InstallStrategy Strategy `json:"install_strategy,omitempty"`
	// AllowInsecureHTTP permits plain-http URLs for this app only.
	AllowInsecureHTTP bool `json:"allow_insecure_http,omitempty"`
	// ContentLength, when set, is the expected artifact size. Best-effort;
	// absence on the wire is never an error.
	ContentLength int64 `json:"content_length,omitempty"`

	// Embedded so the wire form stays flat inside the application object.
	Checksum
	Signature
}

// Policy returns the shared policy record. It exists so that every
// [AppSpec] exposes its embedded Common.
func (c *Common) Policy() *Common { return c }

// BinaryName is the name used for files installed under a bin directory:
// the basename of InstallPath when set, else the lowercased app key.
func (c *Common) BinaryName(appKey string) string {
	if c.InstallPath != "" {
		return path.Base(c.InstallPath)
	}
	return strings.ToLower(appKey)
}

// AppSpec is the tagged variant portion of an [AppConfig]: one
// implementation per [AppType], carrying only that type's fields.
type AppSpec interface {
	Type() AppType
	Policy() *Common
	// Validate checks the variant's required fields and URL policy.
	Validate() error
}

// Variant implementations.
var (
	_ AppSpec = (*GitHubRelease)(nil)
	_ AppSpec = (*DirectDownload)(nil)
	_ AppSpec = (*AppImage)(nil)
	_ AppSpec = (*Script)(nil)
	_ AppSpec = (*Flatpak)(nil)
	_ AppSpec = (*Custom)(nil)
)

// GitHubRelease discovers versions via a releases-list JSON endpoint.
type GitHubRelease struct {
	Common
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	// FilenamePattern is a format string with exactly one %s slot, filled
	// with the discovered version to name the wanted asset.
	FilenamePattern string `json:"filename_pattern_template"`
}

func (*GitHubRelease) Type() AppType { return TypeGitHubRelease }

func (g *GitHubRelease) Validate() error {
	switch {
	case g.RepoOwner == "":
		return missing(TypeGitHubRelease, "repo_owner")
	case g.RepoName == "":
		return missing(TypeGitHubRelease, "repo_name")
	case g.FilenamePattern == "":
		return missing(TypeGitHubRelease, "filename_pattern_template")
	}
	if err := onePercentS(g.FilenamePattern); err != nil {
		return err
	}
	return g.Common.validate()
}

// DirectDownload fetches a fixed URL and derives the version from the
// artifact itself.
type DirectDownload struct {
	Common
	DownloadURL string `json:"download_url"`
}

func (*DirectDownload) Type() AppType { return TypeDirectDownload }

func (d *DirectDownload) Validate() error {
	if d.DownloadURL == "" {
		return missing(TypeDirectDownload, "download_url")
	}
	if err := checkURL(d.DownloadURL, d.AllowInsecureHTTP); err != nil {
		return err
	}
	return d.Common.validate()
}

// AppImage installs a single-file executable image, discovered either via a
// releases endpoint or a fixed download URL.
type AppImage struct {
	Common
	DownloadURL     string `json:"download_url,omitempty"`
	RepoOwner       string `json:"repo_owner,omitempty"`
	RepoName        string `json:"repo_name,omitempty"`
	FilenamePattern string `json:"filename_pattern_template,omitempty"`
}

func (*AppImage) Type() AppType { return TypeAppImage }

// ViaRelease reports whether discovery goes through the releases endpoint.
func (a *AppImage) ViaRelease() bool {
	return a.RepoOwner != "" && a.RepoName != ""
}

func (a *AppImage) Validate() error {
	switch {
	case a.ViaRelease():
		if a.FilenamePattern == "" {
			return missing(TypeAppImage, "filename_pattern_template")
		}
		if err := onePercentS(a.FilenamePattern); err != nil {
			return err
		}
	case a.DownloadURL != "":
		if err := checkURL(a.DownloadURL, a.AllowInsecureHTTP); err != nil {
			return err
		}
	default:
		return missing(TypeAppImage, "download_url or repo_owner+repo_name")
	}
	return a.Common.validate()
}

// Script downloads and executes an upstream install script, discovering the
// current version from a separate URL.
type Script struct {
	Common
	DownloadURL string `json:"download_url"`
	VersionURL  string `json:"version_url"`
	// VersionRegex must contain a single capture group yielding a semantic
	// version.
	VersionRegex string `json:"version_regex,omitempty"`
}

func (*Script) Type() AppType { return TypeScript }

func (s *Script) Validate() error {
	switch {
	case s.DownloadURL == "":
		return missing(TypeScript, "download_url")
	case s.VersionURL == "":
		return missing(TypeScript, "version_url")
	}
	for _, u := range []string{s.DownloadURL, s.VersionURL} {
		if err := checkURL(u, s.AllowInsecureHTTP); err != nil {
			return err
		}
	}
	return s.Common.validate()
}

// Flatpak delegates to the sandboxed-bundle manager.
type Flatpak struct {
	Common
	AppID string `json:"flatpak_app_id"`
}

func (*Flatpak) Type() AppType { return TypeFlatpak }

func (f *Flatpak) Validate() error {
	if f.AppID == "" {
		return missing(TypeFlatpak, "flatpak_app_id")
	}
	return f.Common.validate()
}

// Custom delegates discovery to an external checker script.
type Custom struct {
	Common
	CheckerScript string `json:"custom_checker_script"`
	CheckerFunc   string `json:"custom_checker_func"`
}

func (*Custom) Type() AppType { return TypeCustom }

func (c *Custom) Validate() error {
	switch {
	case c.CheckerScript == "":
		return missing(TypeCustom, "custom_checker_script")
	case c.CheckerFunc == "":
		return missing(TypeCustom, "custom_checker_func")
	}
	return c.Common.validate()
}

// NewSpec returns the zero variant for the named type.
func NewSpec(t AppType) (AppSpec, error) {
	switch t {
	case TypeGitHubRelease:
		return &GitHubRelease{}, nil
	case TypeDirectDownload:
		return &DirectDownload{}, nil
	case TypeAppImage:
		return &AppImage{}, nil
	case TypeScript:
		return &Script{}, nil
	case TypeFlatpak:
		return &Flatpak{}, nil
	case TypeCustom:
		return &Custom{}, nil
	}
	return nil, &Error{
		Kind:    ErrConfig,
		Op:      `appupd.NewSpec`,
		Message: fmt.Sprintf("unknown application type %q", t),
	}
}

// AppConfig is one application's effective configuration, frozen for the
// run.
type AppConfig struct {
	// Key is the unique, case-sensitive application key.
	Key string
	// Name is the display label.
	Name    string
	Enabled bool
	Spec    AppSpec
}

// Type is the variant tag.
func (a *AppConfig) Type() AppType { return a.Spec.Type() }

// Policy is the shared policy record.
func (a *AppConfig) Policy() *Common { return a.Spec.Policy() }

// Validate checks the assembled config.
func (a *AppConfig) Validate() error {
	if a.Key == "" {
		return &Error{Kind: ErrConfig, Op: `AppConfig.Validate`, Message: "empty app_key"}
	}
	if a.Spec == nil {
		return &Error{Kind: ErrConfig, Op: `AppConfig.Validate`, Message: "missing application section"}
	}
	if err := a.Spec.Validate(); err != nil {
		return fmt.Errorf("app %q: %w", a.Key, err)
	}
	if err := a.checksumPolicy(); err != nil {
		return fmt.Errorf("app %q: %w", a.Key, err)
	}
	return nil
}

func (a *AppConfig) checksumPolicy() error {
	c := a.Policy()
	if c.Checksum.Algorithm != "" && !ValidAlgorithm(c.Checksum.Algorithm) {
		return &Error{
			Kind:    ErrConfig,
			Op:      `AppConfig.Validate`,
			Message: fmt.Sprintf("unsupported checksum_algorithm %q", c.Checksum.Algorithm),
		}
	}
	for _, u := range []string{c.Checksum.URL, c.Signature.SigURL} {
		if u == "" {
			continue
		}
		if err := checkURL(u, c.AllowInsecureHTTP); err != nil {
			return err
		}
	}
	return nil
}

// MarshalFlat serializes the effective config as a single flat JSON object,
// the form handed to custom checker scripts.
func (a *AppConfig) MarshalFlat() ([]byte, error) {
	m := map[string]any{
		"app_key": a.Key,
		"name":    a.Name,
		"type":    string(a.Type()),
		"enabled": a.Enabled,
	}
	flatten := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &m)
	}
	if err := flatten(a.Spec); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Validate the shared fields. The install path may not traverse and must be
// anchored.
func (c *Common) validate() error {
	p := c.InstallPath
	if p == "" {
		return nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return &Error{
				Kind:    ErrConfig,
				Op:      `AppConfig.Validate`,
				Message: fmt.Sprintf("install_path %q traverses", p),
			}
		}
	}
	if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "~") {
		return &Error{
			Kind:    ErrConfig,
			Op:      `AppConfig.Validate`,
			Message: fmt.Sprintf("install_path %q is not absolute or ~-prefixed", p),
		}
	}
	return nil
}

func missing(t AppType, field string) error {
	return &Error{
		Kind:    ErrConfig,
		Op:      `AppConfig.Validate`,
		Message: fmt.Sprintf("type %q requires %s", t, field),
	}
}

func onePercentS(pattern string) error {
	if strings.Count(pattern, "%s") != 1 {
		return &Error{
			Kind:    ErrConfig,
			Op:      `AppConfig.Validate`,
			Message: fmt.Sprintf("filename_pattern_template %q needs exactly one %%s", pattern),
		}
	}
	return nil
}

func checkURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &Error{Kind: ErrConfig, Op: `AppConfig.Validate`, Message: fmt.Sprintf("bad URL %q", raw), Inner: err}
	}
	switch {
	case u.Host == "":
		return &Error{Kind: ErrConfig, Op: `AppConfig.Validate`, Message: fmt.Sprintf("URL %q has no host", raw)}
	case u.Scheme == "https":
	case u.Scheme == "http" && allowInsecure:
	default:
		return &Error{Kind: ErrConfig, Op: `AppConfig.Validate`, Message: fmt.Sprintf("refusing non-https URL %q", raw)}
	}
	return nil
}
