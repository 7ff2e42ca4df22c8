// Package pipeline drives one application through the update state
// machine: discover the newest published version, compare against the
// ledger, fetch and verify the artifact, confirm with the user, install,
// and record the result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/install"
	"github.com/appupd/appupd/internal/fetch"
	"github.com/appupd/appupd/ledger"
	"github.com/appupd/appupd/notify"
	"github.com/appupd/appupd/verify"
)

const metaBudget = 2 * time.Minute

// Pipeline carries the collaborators for per-app processing. All fields
// but Hooks and Prompt are required.
type Pipeline struct {
	Fetch   *fetch.Client
	Ledger  *ledger.Ledger
	Verify  *verify.Verifier
	Install *install.Installer
	Notify  notify.Notifier
	Hooks   *Hooks
	Count   *Counters
	// Prompt asks the user to confirm an install; nil means always yes.
	Prompt func(ctx context.Context, app *appupd.AppConfig, installed, latest string) bool
	// ReleaseIndex overrides the releases-list endpoint; nil means the
	// public API.
	ReleaseIndex func(owner, repo string) string
	// ArtifactsDir is the versioned artifact tree.
	ArtifactsDir string
	// CheckerBudget bounds custom-checker invocations.
	CheckerBudget time.Duration
	// DryRun reports and simulates without downloading or installing.
	DryRun bool
}

// Process runs one application through the state machine and records
// exactly one outcome.
func (p *Pipeline) Process(ctx context.Context, app *appupd.AppConfig) Outcome {
	ctx = zlog.ContextWithValues(ctx, "component", "pipeline/Pipeline.Process", "app", app.Key)
	installed := p.Ledger.Get(ctx, app.Key)
	p.Hooks.fire(ctx, PreCheck, app.Name, nil)

	d, eff, err := p.discover(ctx, app)
	if err != nil {
		return p.fail(ctx, app, "discover", err)
	}
	p.firePostCheck(ctx, app.Name, installed, d.version)

	if !appupd.IsNewer(d.version, installed) {
		zlog.Info(ctx).
			Str("installed", installed).
			Str("latest", d.version).
			Msg("up to date")
		p.Count.Record(UpToDate)
		return UpToDate
	}
	fresh := installed == appupd.NotInstalled
	zlog.Info(ctx).
		Str("installed", installed).
		Str("latest", d.version).
		Bool("first_install", fresh).
		Msg("update available")

	var artifact string
	if d.installAs != asFlatpak {
		artifact, err = p.materialize(ctx, eff, d)
		if err != nil {
			return p.fail(ctx, app, "fetch", err)
		}
		if err := p.verifyArtifact(ctx, eff, d, artifact); err != nil {
			return p.fail(ctx, app, "verify", err)
		}
		p.Hooks.fire(ctx, PostVerify, app.Name, nil)
	}

	if p.DryRun {
		zlog.Info(ctx).Str("version", d.version).Msg("dry run: simulating install")
		if err := p.Ledger.Set(ctx, app.Key, d.version); err != nil {
			return p.fail(ctx, app, "ledger", err)
		}
		p.Count.Record(Updated)
		return Updated
	}
	if p.Prompt != nil && !p.Prompt(ctx, app, installed, d.version) {
		zlog.Info(ctx).Msg("declined by user")
		p.Count.Record(Skipped)
		return Skipped
	}

	p.Hooks.fire(ctx, PreInstall, app.Name, nil)
	if err := p.dispatch(ctx, eff, d, artifact); err != nil {
		return p.fail(ctx, app, "install", err)
	}
	p.Hooks.fire(ctx, PostInstall, app.Name, nil)

	if err := p.Ledger.Set(ctx, app.Key, d.version); err != nil {
		return p.fail(ctx, app, "ledger", err)
	}
	zlog.Info(ctx).Str("version", d.version).Msg("updated")
	p.Count.Record(Updated)
	return Updated
}

// Materialize puts the artifact at its deterministic path, reusing a
// present file or a discovery prefetch before downloading.
func (p *Pipeline) materialize(ctx context.Context, app *appupd.AppConfig, d discovery) (string, error) {
	pol := app.Spec.Policy()
	dest := filepath.Join(p.ArtifactsDir, app.Key, "v"+d.version, artifactBase(d.url))
	switch _, err := os.Stat(dest); {
	case err == nil:
		zlog.Info(ctx).Str("artifact", dest).Msg("artifact already present, skipping download")
		return dest, nil
	case !os.IsNotExist(err):
		return "", err
	}
	if d.prefetched != "" {
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return "", err
		}
		if err := os.Rename(d.prefetched, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	if pol.ContentLength > 0 {
		zlog.Debug(ctx).Int64("expected_length", pol.ContentLength).Msg("expected artifact size")
	}
	if err := p.Fetch.Download(ctx, d.url, dest, "", "", pol.AllowInsecureHTTP); err != nil {
		return "", err
	}
	return dest, nil
}

// VerifyArtifact applies the checksum and signature policy. Dry runs
// have nothing on disk to verify.
func (p *Pipeline) verifyArtifact(ctx context.Context, app *appupd.AppConfig, d discovery, artifact string) error {
	if p.DryRun {
		if _, err := os.Stat(artifact); os.IsNotExist(err) {
			zlog.Debug(ctx).Msg("dry run: no artifact to verify")
			return nil
		}
	}
	return p.Verify.Verify(ctx, artifact, app, d.url, d.explicitSum, d.releaseDigest)
}

// Dispatch selects the installer entry point.
func (p *Pipeline) dispatch(ctx context.Context, app *appupd.AppConfig, d discovery, artifact string) error {
	pol := app.Spec.Policy()
	bin := pol.BinaryName(app.Key)
	kind := d.installAs
	if kind == byExtension {
		switch base := strings.ToLower(artifact); {
		case strings.HasSuffix(base, ".deb"):
			kind = asDeb
		case strings.HasSuffix(base, ".appimage"):
			kind = asAppImage
		default:
			kind = asArchive
		}
	}
	switch kind {
	case asFlatpak:
		return p.Install.Flatpak(ctx, app.Key, d.version, d.flatpakID)
	case asScript:
		return p.Install.Script(ctx, artifact, app.Key, d.version)
	case asDeb:
		return p.Install.Deb(ctx, artifact, app.Key, d.version)
	case asAppImage:
		if isArchive(artifact) {
			return p.Install.Archive(ctx, artifact, app.Key, d.version, bin, appupd.StrategyMoveAppImage)
		}
		return p.Install.PlaceAppImage(ctx, artifact, app.Key, bin)
	case asArchive:
	}
	strategy := pol.InstallStrategy
	if strategy == "" {
		strategy = appupd.StrategyMoveBinary
	}
	return p.Install.Archive(ctx, artifact, app.Key, d.version, bin, strategy)
}

func (p *Pipeline) firePostCheck(ctx context.Context, appName, installed, latest string) {
	details, err := json.Marshal(struct {
		Installed string `json:"installed_version"`
		Latest    string `json:"latest_version"`
	}{Installed: installed, Latest: latest})
	if err != nil {
		panic(fmt.Sprintf("programmer error: %v", err))
	}
	p.Hooks.fire(ctx, PostCheck, appName, details)
}

// Fail records the failed outcome, fires the error hook, and raises a
// notification for kinds worth the user's attention.
func (p *Pipeline) fail(ctx context.Context, app *appupd.AppConfig, phase string, err error) Outcome {
	kind := appupd.KindOf(err)
	zlog.Error(ctx).Err(err).Str("phase", phase).Msg("app update failed")
	details, merr := json.Marshal(errorDetails{
		Phase:     phase,
		ErrorType: string(kind),
		Message:   err.Error(),
	})
	if merr == nil {
		p.Hooks.fire(ctx, OnError, app.Name, details)
	}
	if kind.Notifies() && p.Notify != nil {
		p.Notify.Notify(ctx, fmt.Sprintf("%s update failed", app.Name), err.Error())
	}
	p.Count.Record(Failed)
	return Failed
}

func isArchive(name string) bool {
	name = strings.ToLower(name)
	for _, suf := range []string{".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar.bz2", ".tbz2", ".tar.zst", ".zip"} {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}
