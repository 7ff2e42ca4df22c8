// Package config loads and validates the engine's configuration: the
// network settings scalars and the per-application files under conf.d.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
)

// Store is the frozen set of application configs for a run.
type Store struct {
	apps   map[string]appupd.AppConfig
	report Report
}

// Report tallies files that did not make it into the store. Failed holds
// enabled-but-invalid files; Skipped holds disabled ones.
type Report struct {
	Failed  []string
	Skipped []string
}

// List returns the enabled app keys, sorted.
func (s *Store) List() []string {
	ks := make([]string, 0, len(s.apps))
	for k := range s.apps {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Get returns the config for key.
func (s *Store) Get(key string) (appupd.AppConfig, bool) {
	a, ok := s.apps[key]
	return a, ok
}

// Report returns the load report.
func (s *Store) Report() Report { return s.report }

// Wire is the top-level shape of a conf.d file.
type wire struct {
	AppKey      string          `json:"app_key"`
	Name        string          `json:"name"`
	Enabled     *bool           `json:"enabled"`
	Application json.RawMessage `json:"application"`
}

// LoadApps reads every JSON file under dir, skipping names that begin with
// "." or "_". Disabled files are counted as skipped; enabled files that
// fail validation are counted as failed and do not abort the load.
func LoadApps(ctx context.Context, dir string) (*Store, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "config/LoadApps", "dir", dir)
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, configErr(dir, err)
	}
	s := &Store{apps: make(map[string]appupd.AppConfig)}
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		app, err := loadFile(filepath.Join(dir, name))
		switch {
		case err != nil:
			zlog.Error(ctx).Err(err).Str("file", name).Msg("invalid app config")
			s.report.Failed = append(s.report.Failed, name)
			continue
		case !app.Enabled:
			zlog.Debug(ctx).Str("file", name).Msg("app disabled")
			s.report.Skipped = append(s.report.Skipped, name)
			continue
		}
		if _, dup := s.apps[app.Key]; dup {
			zlog.Error(ctx).Str("file", name).Str("app", app.Key).Msg("duplicate app_key")
			s.report.Failed = append(s.report.Failed, name)
			continue
		}
		s.apps[app.Key] = app
	}
	zlog.Info(ctx).
		Int("enabled", len(s.apps)).
		Int("failed", len(s.report.Failed)).
		Int("skipped", len(s.report.Skipped)).
		Msg("app configs loaded")
	return s, nil
}

// LoadFile parses and validates one conf.d file.
//
// Validation order: JSON shape, top-level prelude (app_key, enabled,
// application), filename-to-key correspondence, per-type field set, URL and
// path policy. Keys beginning with "_comment" are tolerated anywhere.
func loadFile(path string) (appupd.AppConfig, error) {
	var zero appupd.AppConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return zero, configErr(path, err)
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return zero, configErr(path, err)
	}
	switch {
	case w.AppKey == "":
		return zero, configErr(path, fmt.Errorf("missing app_key"))
	case w.Enabled == nil:
		return zero, configErr(path, fmt.Errorf("missing enabled"))
	case len(w.Application) == 0:
		return zero, configErr(path, fmt.Errorf("missing application"))
	}
	if want := strings.ToLower(w.AppKey) + ".json"; filepath.Base(path) != want {
		return zero, configErr(path, fmt.Errorf("filename does not match app_key (want %q)", want))
	}
	if !*w.Enabled {
		// Disabled files are skipped wholesale; their application section
		// is not held to the per-type rules.
		return appupd.AppConfig{Key: w.AppKey, Name: w.Name, Enabled: false}, nil
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(w.Application, &fields); err != nil {
		return zero, configErr(path, err)
	}
	for k := range fields {
		if strings.HasPrefix(k, "_comment") {
			delete(fields, k)
		}
	}
	var typ appupd.AppType
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return zero, configErr(path, err)
		}
		delete(fields, "type")
	}
	spec, err := appupd.NewSpec(typ)
	if err != nil {
		return zero, err
	}
	if w.Name == "" {
		if raw, ok := fields["name"]; ok {
			json.Unmarshal(raw, &w.Name)
		}
	}
	delete(fields, "name")

	clean, err := json.Marshal(fields)
	if err != nil {
		return zero, configErr(path, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return zero, configErr(path, err)
	}

	app := appupd.AppConfig{
		Key:     w.AppKey,
		Name:    w.Name,
		Enabled: *w.Enabled,
		Spec:    spec,
	}
	if app.Name == "" {
		app.Name = app.Key
	}
	if err := app.Validate(); err != nil {
		return zero, err
	}
	return app, nil
}

func configErr(what string, err error) error {
	return &appupd.Error{
		Inner:   err,
		Kind:    appupd.ErrConfig,
		Op:      `config.Load`,
		Message: what,
	}
}
