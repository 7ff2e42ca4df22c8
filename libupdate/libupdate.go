// Package libupdate is the orchestrator: it assembles the engine from a
// configuration root and runs the selected applications through the
// update pipeline, one at a time.
package libupdate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/config"
	"github.com/appupd/appupd/install"
	"github.com/appupd/appupd/internal/cleanup"
	"github.com/appupd/appupd/internal/fetch"
	"github.com/appupd/appupd/ledger"
	"github.com/appupd/appupd/notify"
	"github.com/appupd/appupd/pipeline"
	"github.com/appupd/appupd/verify"
)

// LedgerFile is the ledger's filename under the configuration root.
const LedgerFile = `installed_versions.json`

// Options configures an Updater.
type Options struct {
	// ConfigRoot holds network_settings.json, conf.d/, and the ledger.
	ConfigRoot string
	// Keys selects applications; empty means every enabled one.
	Keys []string
	// DryRun reports and simulates without prompting, downloading
	// artifacts, or installing.
	DryRun bool
	// CacheDuration overrides the configured response-cache TTL when
	// positive.
	CacheDuration time.Duration
	// Prompt confirms installs; nil means always yes.
	Prompt func(ctx context.Context, app *appupd.AppConfig, installed, latest string) bool
	// Hooks, Notify, and Registry are optional collaborators.
	Hooks    *pipeline.Hooks
	Notify   notify.Notifier
	Registry *cleanup.Registry
	// ReleaseIndex overrides the releases-list endpoint.
	ReleaseIndex func(owner, repo string) string
}

// Updater is an assembled engine, frozen for one run.
type Updater struct {
	opts     Options
	settings *config.Settings
	store    *config.Store
	led      *ledger.Ledger
	pipe     *pipeline.Pipeline
	count    *pipeline.Counters
}

// New loads configuration and wires the engine. Config-load casualties
// are folded into the run tallies, not fatal.
func New(ctx context.Context, opts Options) (*Updater, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libupdate/New")
	settings, err := config.LoadSettings(ctx, opts.ConfigRoot)
	if err != nil {
		return nil, err
	}
	if opts.CacheDuration > 0 {
		settings.CacheDuration = int(opts.CacheDuration / time.Second)
	}
	store, err := config.LoadApps(ctx, filepath.Join(opts.ConfigRoot, "conf.d"))
	if err != nil {
		return nil, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = cleanup.NewRegistry()
	}
	client := fetch.New(fetch.Options{
		CacheDir:           settings.CacheDir,
		TTL:                settings.CacheTTL(),
		ConnectTimeout:     settings.ConnectTimeout(),
		Retries:            settings.MaxRetries,
		Backoff:            settings.Backoff(),
		Spacing:            settings.Spacing(),
		UserAgent:          settings.UserAgent,
		MetaMultiplier:     settings.MetaMultiplier,
		DownloadMultiplier: settings.DownloadMultiplier,
		Registry:           reg,
		DryRun:             opts.DryRun,
	})
	led := ledger.New(filepath.Join(opts.ConfigRoot, LedgerFile))
	if err := led.Init(ctx); err != nil {
		return nil, err
	}

	note := opts.Notify
	if note == nil {
		if opts.DryRun {
			note = notify.Nop{}
		} else {
			note = notify.Desktop{}
		}
	}
	count := pipeline.NewCounters()
	report := store.Report()
	count.AddFailed(len(report.Failed))
	count.AddSkipped(len(report.Skipped))

	u := &Updater{
		opts:     opts,
		settings: settings,
		store:    store,
		led:      led,
		count:    count,
		pipe: &pipeline.Pipeline{
			Fetch:  client,
			Ledger: led,
			Verify: &verify.Verifier{Fetch: client},
			Install: &install.Installer{
				Run:          &install.Runner{LogsDir: settings.LogsDir(), Registry: reg},
				ArtifactsDir: settings.ArtifactsDir(),
				TmpDir:       settings.TmpDir(),
				MaxExtractMB: settings.MaxExtractMB,
				BuildBudget:  settings.BuildBudget(),
				BuildJobs:    settings.BuildJobs,
				Registry:     reg,
			},
			Notify:        note,
			Hooks:         opts.Hooks,
			Count:         count,
			Prompt:        opts.Prompt,
			ReleaseIndex:  opts.ReleaseIndex,
			ArtifactsDir:  settings.ArtifactsDir(),
			CheckerBudget: settings.CheckerBudget(),
			DryRun:        opts.DryRun,
		},
	}
	return u, nil
}

// Settings exposes the effective scalar configuration.
func (u *Updater) Settings() *config.Settings { return u.settings }

// Ledger exposes the installed-version ledger.
func (u *Updater) Ledger() *ledger.Ledger { return u.led }

// Run processes the selected applications sequentially and returns the
// run tallies. The error is non-nil only for request-level problems; a
// per-app failure is reported through the tallies.
func (u *Updater) Run(ctx context.Context) (pipeline.Totals, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libupdate/Updater.Run")
	keys := u.opts.Keys
	if len(keys) == 0 {
		keys = u.store.List()
		if len(keys) == 0 {
			zlog.Info(ctx).Msg("no enabled applications, nothing to do")
			return u.count.Snapshot(), nil
		}
	} else {
		// Never filter in place; keys aliases the caller's slice.
		valid := make([]string, 0, len(keys))
		for _, k := range keys {
			if _, ok := u.store.Get(k); !ok {
				zlog.Warn(ctx).Str("app", k).Msg("unknown app key, skipping")
				continue
			}
			valid = append(valid, k)
		}
		if len(valid) == 0 {
			return u.count.Snapshot(), &appupd.Error{
				Kind:    appupd.ErrCLI,
				Op:      `libupdate.Run`,
				Message: "no requested app key matches an enabled application",
			}
		}
		keys = valid
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return u.count.Snapshot(), err
		}
		app, ok := u.store.Get(k)
		if !ok {
			continue
		}
		u.pipe.Process(ctx, &app)
	}

	t := u.count.Snapshot()
	zlog.Info(ctx).
		Int("updated", t.Updated).
		Int("up_to_date", t.UpToDate).
		Int("skipped", t.Skipped).
		Int("failed", t.Failed).
		Msg("run complete")
	return t, nil
}

// Sweep removes stale cache files; called on the way out.
func (u *Updater) Sweep(ctx context.Context) {
	if err := cleanup.SweepCache(ctx, u.settings.CacheDir, u.settings.StaleCacheAge()); err != nil {
		zlog.Warn(ctx).Err(err).Msg("stale cache sweep failed")
	}
}

// String describes the selection, for logs.
func (o *Options) String() string {
	if len(o.Keys) == 0 {
		return "all enabled applications"
	}
	return fmt.Sprintf("%d selected applications", len(o.Keys))
}
