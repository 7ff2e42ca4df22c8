package config

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/quay/zlog"
)

//go:embed defaults/*.json
var defaults embed.FS

// Scaffold writes the default per-app configs into dir, creating it if
// needed. Files that already exist are left untouched.
func Scaffold(ctx context.Context, dir string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "config/Scaffold", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return configErr(dir, err)
	}
	des, err := defaults.ReadDir("defaults")
	if err != nil {
		return err
	}
	for _, de := range des {
		dst := filepath.Join(dir, de.Name())
		if _, err := os.Stat(dst); err == nil {
			zlog.Debug(ctx).Str("file", de.Name()).Msg("exists, skipping")
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return configErr(dst, err)
		}
		b, err := defaults.ReadFile("defaults/" + de.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return configErr(dst, err)
		}
		zlog.Info(ctx).Str("file", de.Name()).Msg("wrote default config")
	}
	return nil
}
