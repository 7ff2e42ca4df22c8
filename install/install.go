package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/cleanup"
	"github.com/appupd/appupd/pkg/tmp"
)

// Sanity and query commands get a short budget; package-manager and
// script invocations a generous one. Source builds use the configured
// build budget instead.
const (
	queryBudget   = 2 * time.Minute
	installBudget = 15 * time.Minute
)

// Installer dispatches artifacts to the system by strategy.
type Installer struct {
	Run *Runner
	// ArtifactsDir is the versioned artifact tree; build logs for source
	// compiles land next to the artifact.
	ArtifactsDir string
	// TmpDir hosts private extraction directories.
	TmpDir string
	// MaxExtractMB caps cumulative extracted size.
	MaxExtractMB int64
	// BuildBudget bounds each step of a source compile.
	BuildBudget time.Duration
	// BuildJobs is make parallelism.
	BuildJobs int
	// Registry receives extraction directories for exit cleanup. Optional.
	Registry *cleanup.Registry
	// Prefix is the installation prefix for archive strategies. Defaults
	// to /usr/local.
	Prefix string
}

func (i *Installer) prefix() string {
	if i.Prefix != "" {
		return i.Prefix
	}
	return "/usr/local"
}

// Deb sanity-checks and installs a Debian package with elevated
// privileges.
func (i *Installer) Deb(ctx context.Context, artifact, appKey, version string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Installer.Deb", "app", appKey, "version", version)
	if err := i.Run.Run(ctx, appKey, "deb-check", appupd.ErrValidation, queryBudget,
		"dpkg-deb", "--info", artifact); err != nil {
		return err
	}
	zlog.Info(ctx).Str("artifact", filepath.Base(artifact)).Msg("installing package")
	out, err := i.Run.RunOutput(ctx, appKey, "deb-install", appupd.ErrInstallation, installBudget,
		elevate("apt-get", "install", "-y", "--allow-downgrades", artifact)...)
	if err != nil && strings.EqualFold(appKey, "veracrypt") &&
		strings.Contains(out, "VeraCrypt volumes must be dismounted") {
		return &appupd.Error{
			Inner:   err,
			Kind:    appupd.ErrPermission,
			Op:      `install.Deb`,
			Message: "mounted VeraCrypt volumes block the upgrade; dismount them and re-run",
		}
	}
	return err
}

// Archive extracts an archive into a private temp directory and applies
// the configured strategy. The extraction directory is removed on every
// exit path.
func (i *Installer) Archive(ctx context.Context, artifact, appKey, version, binaryName string, strategy appupd.Strategy) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Installer.Archive",
		"app", appKey, "version", version, "strategy", string(strategy))
	if err := os.MkdirAll(i.TmpDir, 0o700); err != nil {
		return err
	}
	dir, err := tmp.NewDir(i.TmpDir, "extract.*")
	if err != nil {
		return err
	}
	defer dir.Close()
	if i.Registry != nil {
		i.Registry.AddPath(dir.Name())
		defer i.Registry.ForgetPath(dir.Name())
	}

	if err := Extract(ctx, artifact, dir.Name(), i.MaxExtractMB); err != nil {
		return err
	}

	switch strategy {
	case appupd.StrategyMoveBinary:
		return i.moveBinary(ctx, dir.Name(), appKey, binaryName)
	case appupd.StrategyCopyRoot:
		return i.copyRootContents(ctx, dir.Name(), appKey, binaryName)
	case appupd.StrategyCompile:
		return i.compile(ctx, dir.Name(), appKey, version)
	case appupd.StrategyMoveAppImage:
		return i.moveAppImage(ctx, dir.Name(), appKey, binaryName)
	}
	return &appupd.Error{
		Kind:    appupd.ErrConfig,
		Op:      `install.Archive`,
		Message: fmt.Sprintf("unknown install strategy %q", strategy),
	}
}

// MoveBinary finds a regular file named binaryName anywhere under the
// tree and installs it into the prefix's bin directory.
func (i *Installer) moveBinary(ctx context.Context, root, appKey, binaryName string) error {
	src, err := findFile(root, func(name string) bool { return name == binaryName })
	if err != nil {
		return err
	}
	if src == "" {
		return &appupd.Error{
			Kind:    appupd.ErrInstallation,
			Op:      `install.Archive`,
			Message: fmt.Sprintf("no file named %q in the archive", binaryName),
		}
	}
	dest := filepath.Join(i.prefix(), "bin", binaryName)
	zlog.Info(ctx).Str("src", src).Str("dest", dest).Msg("installing binary")
	return i.Run.Run(ctx, appKey, "move-binary", appupd.ErrInstallation, queryBudget,
		elevate("install", "-m", "0755", src, dest)...)
}

// CopyRootContents merges a prefix-shaped tree into the install prefix.
func (i *Installer) copyRootContents(ctx context.Context, root, appKey, binaryName string) error {
	top, err := topDir(root)
	if err != nil {
		return err
	}
	var shaped bool
	for _, d := range []string{"bin", "lib", "share", "include", "etc"} {
		if fi, err := os.Stat(filepath.Join(top, d)); err == nil && fi.IsDir() {
			shaped = true
			break
		}
	}
	if !shaped {
		return &appupd.Error{
			Kind:    appupd.ErrInstallation,
			Op:      `install.Archive`,
			Message: "archive root has none of bin/ lib/ share/ include/ etc/",
		}
	}
	zlog.Info(ctx).Str("src", top).Str("prefix", i.prefix()).Msg("copying tree into prefix")
	if err := i.Run.Run(ctx, appKey, "copy-root", appupd.ErrInstallation, installBudget,
		elevate("cp", "-a", top+"/.", i.prefix()+"/")...); err != nil {
		return err
	}
	// The archive may not ship a bin/<binaryName>; only mark what landed.
	if bin := filepath.Join(i.prefix(), "bin", binaryName); binaryName != "" && exists(bin) {
		if err := i.Run.Run(ctx, appKey, "copy-root", appupd.ErrInstallation, queryBudget,
			elevate("chmod", "0755", bin)...); err != nil {
			return err
		}
	}
	return nil
}

// Compile runs the autotools dance with per-step budgets. The build log
// is kept beside the artifact for post-mortems.
func (i *Installer) compile(ctx context.Context, root, appKey, version string) error {
	top, err := topDir(root)
	if err != nil {
		return err
	}
	hasConfigure := exists(filepath.Join(top, "configure"))
	hasMakefile := exists(filepath.Join(top, "Makefile")) || exists(filepath.Join(top, "makefile"))
	if !hasConfigure && !hasMakefile {
		return &appupd.Error{
			Kind:    appupd.ErrCompilation,
			Op:      `install.Archive`,
			Message: "archive has neither configure nor Makefile",
		}
	}

	logDir := filepath.Join(i.ArtifactsDir, appKey, "v"+version)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}
	buildLog := filepath.Join(logDir, "build.log")
	budget := i.BuildBudget
	if budget <= 0 {
		budget = time.Hour
	}
	jobs := i.BuildJobs
	if jobs < 1 {
		jobs = 4
	}

	step := func(kind appupd.ErrorKind, argv ...string) error {
		_, err := i.Run.run(ctx, proc{
			app: appKey, op: "compile", kind: kind, budget: budget,
			argv: argv, dir: top, logPath: buildLog,
		})
		return err
	}
	if hasConfigure {
		if err := step(appupd.ErrCompilation, "./configure", "--prefix="+i.prefix()); err != nil {
			return err
		}
	}
	if err := step(appupd.ErrCompilation, "make", fmt.Sprintf("-j%d", jobs)); err != nil {
		return err
	}
	zlog.Info(ctx).Str("log", buildLog).Msg("build finished, installing")
	return step(appupd.ErrInstallation, elevate("make", "install")...)
}

// MoveAppImage places the first AppImage under the invoking user's
// Applications directory and links it into ~/.local/bin. No elevation.
func (i *Installer) moveAppImage(ctx context.Context, root, appKey, binaryName string) error {
	src, err := findFile(root, func(name string) bool {
		return strings.HasSuffix(strings.ToLower(name), ".appimage")
	})
	if err != nil {
		return err
	}
	if src == "" {
		return &appupd.Error{
			Kind:    appupd.ErrInstallation,
			Op:      `install.Archive`,
			Message: "no AppImage in the archive",
		}
	}
	return i.PlaceAppImage(ctx, src, appKey, binaryName)
}

// PlaceAppImage installs an AppImage file directly; appimage-type apps
// whose artifact is the image itself come through here without an
// extraction step.
func (i *Installer) PlaceAppImage(ctx context.Context, src, appKey, binaryName string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Installer.PlaceAppImage", "app", appKey)
	home, err := userHome()
	if err != nil {
		return err
	}
	low := strings.ToLower(appKey)
	destDir := filepath.Join(home, "Applications", low)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, low+".AppImage")
	if err := copyFile(src, dest, 0o755); err != nil {
		return err
	}

	binDir := filepath.Join(home, ".local", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(binDir, binaryName)
	os.Remove(link)
	if err := os.Symlink(dest, link); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrInstallation, Op: `install.PlaceAppImage`, Message: "linking into ~/.local/bin"}
	}
	zlog.Info(ctx).Str("dest", dest).Str("link", link).Msg("AppImage installed")
	return nil
}

// Flatpak delegates to the system flatpak, ensuring the flathub remote
// first.
func (i *Installer) Flatpak(ctx context.Context, appKey, version, appID string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Installer.Flatpak", "app", appKey, "id", appID)
	if _, err := exec.LookPath("flatpak"); err != nil {
		return &appupd.Error{
			Inner:   err,
			Kind:    appupd.ErrDependency,
			Op:      `install.Flatpak`,
			Message: "flatpak is not installed",
		}
	}
	if err := i.Run.Run(ctx, appKey, "flatpak-remote", appupd.ErrInstallation, queryBudget,
		elevate("flatpak", "remote-add", "--if-not-exists", "flathub",
			"https://dl.flathub.org/repo/flathub.flatpakrepo")...); err != nil {
		return err
	}
	zlog.Info(ctx).Str("version", version).Msg("installing flatpak")
	return i.Run.Run(ctx, appKey, "flatpak-install", appupd.ErrInstallation, installBudget,
		elevate("flatpak", "install", "--or-update", "-y", "flathub", appID)...)
}

// FlatpakVersion asks the remote for the published version of appID.
func (i *Installer) FlatpakVersion(ctx context.Context, appKey, appID string) (string, error) {
	out, err := i.Run.RunOutput(ctx, appKey, "flatpak-search", appupd.ErrNetwork, queryBudget,
		"flatpak", "search", "--columns=application,version,summary", appID)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) >= 2 && strings.EqualFold(strings.TrimSpace(cols[0]), appID) {
			return appupd.Normalize(cols[1]), nil
		}
	}
	return "", &appupd.Error{
		Kind:    appupd.ErrNetwork,
		Op:      `install.FlatpakVersion`,
		Message: fmt.Sprintf("%q not found in flatpak search output", appID),
	}
}

// Script marks the artifact executable and runs it with elevated
// privileges.
func (i *Installer) Script(ctx context.Context, artifact, appKey, version string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Installer.Script", "app", appKey, "version", version)
	if err := os.Chmod(artifact, 0o755); err != nil {
		return err
	}
	zlog.Info(ctx).Str("artifact", filepath.Base(artifact)).Msg("running installer script")
	return i.Run.Run(ctx, appKey, "script", appupd.ErrInstallation, installBudget, elevate(artifact)...)
}

// TopDir descends into a single wrapping directory, the common layout of
// release tarballs.
func topDir(root string) (string, error) {
	des, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	if len(des) == 1 && des[0].IsDir() {
		return filepath.Join(root, des[0].Name()), nil
	}
	return root, nil
}

func findFile(root string, match func(name string) bool) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && match(d.Name()) {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// UserHome resolves the invoking user's home, looking through sudo.
func userHome() (string, error) {
	if os.Geteuid() == 0 {
		if su := os.Getenv("SUDO_USER"); su != "" {
			u, err := user.Lookup(su)
			if err != nil {
				return "", err
			}
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}
