// Package checker runs the external update-checker protocol for apps of
// type "custom": the app's effective config is handed to a user-supplied
// script as a flat JSON argument, and the script reports its verdict as
// a single JSON object on standard output.
package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
)

// Verdict statuses.
const (
	StatusSuccess  = `success`
	StatusNoUpdate = `no_update`
	StatusError    = `error`
)

// Install types a checker may report.
const (
	InstallDeb      = `deb`
	InstallAppImage = `appimage`
	InstallFlatpak  = `flatpak`
	InstallTgz      = `tgz`
)

// DefaultBudget bounds a checker invocation.
const DefaultBudget = 120 * time.Second

// Verdict is the JSON object a checker prints on success.
type Verdict struct {
	Status        string `json:"status"`
	LatestVersion string `json:"latest_version,omitempty"`
	Source        string `json:"source,omitempty"`
	InstallType   string `json:"install_type,omitempty"`

	DownloadURL       string `json:"download_url,omitempty"`
	InstallTargetPath string `json:"install_target_path,omitempty"`
	FlatpakAppID      string `json:"flatpak_app_id,omitempty"`

	ChecksumURL      string `json:"checksum_url,omitempty"`
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
	GPGKeyID         string `json:"gpg_key_id,omitempty"`
	GPGFingerprint   string `json:"gpg_fingerprint,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Check invokes the app's checker and returns its validated verdict.
//
// The script is executed as `script func config-json` under the time
// budget. A verdict of status "error" and any protocol violation are
// reported as CUSTOM_CHECKER_ERROR; an unknown install_type is a
// CONFIG_ERROR.
func Check(ctx context.Context, app *appupd.AppConfig, budget time.Duration) (*Verdict, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "checker/Check", "app", app.Key)
	spec, ok := app.Spec.(*appupd.Custom)
	if !ok {
		panic(fmt.Sprintf("programmer error: checker invoked for type %q", app.Spec.Type()))
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	cfg, err := app.MarshalFlat()
	if err != nil {
		return nil, err
	}

	cctx, done := context.WithTimeout(ctx, budget)
	defer done()
	cmd := exec.CommandContext(cctx, spec.CheckerScript, spec.CheckerFunc, string(cfg))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	zlog.Debug(ctx).Str("script", spec.CheckerScript).Str("func", spec.CheckerFunc).Msg("running checker")
	err = cmd.Run()
	if stderr.Len() > 0 {
		zlog.Debug(ctx).Str("stderr", stderr.String()).Msg("checker stderr")
	}
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return nil, checkerErr(app.Key, nil, fmt.Sprintf("checker exceeded %v", budget))
	case err != nil:
		return nil, checkerErr(app.Key, err, "checker exited non-zero")
	}

	var v Verdict
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &v); err != nil {
		return nil, checkerErr(app.Key, err, "checker output is not a JSON object")
	}
	if err := v.validate(app.Key); err != nil {
		return nil, err
	}
	zlog.Info(ctx).
		Str("status", v.Status).
		Str("latest", v.LatestVersion).
		Msg("checker verdict")
	return &v, nil
}

func (v *Verdict) validate(appKey string) error {
	switch v.Status {
	case StatusNoUpdate:
		return nil
	case StatusError:
		return checkerErr(appKey, nil,
			fmt.Sprintf("checker reported %s: %s", v.ErrorType, v.ErrorMessage))
	case StatusSuccess:
	default:
		return checkerErr(appKey, nil, fmt.Sprintf("unknown status %q", v.Status))
	}

	if v.LatestVersion == "" || appupd.Normalize(v.LatestVersion) == "" {
		return checkerErr(appKey, nil, fmt.Sprintf("unusable latest_version %q", v.LatestVersion))
	}
	switch v.InstallType {
	case InstallDeb, InstallAppImage, InstallTgz:
		if v.DownloadURL == "" {
			return checkerErr(appKey, nil, "success verdict without download_url")
		}
	case InstallFlatpak:
		if v.FlatpakAppID == "" {
			return checkerErr(appKey, nil, "success verdict without flatpak_app_id")
		}
	default:
		return &appupd.Error{
			Kind:    appupd.ErrConfig,
			Op:      `checker.Check`,
			Message: fmt.Sprintf("app %q: checker reported unknown install_type %q", appKey, v.InstallType),
		}
	}
	return nil
}

func checkerErr(appKey string, inner error, msg string) error {
	return &appupd.Error{
		Inner:   inner,
		Kind:    appupd.ErrCustomChecker,
		Op:      `checker.Check`,
		Message: fmt.Sprintf("app %q: %s", appKey, msg),
	}
}
