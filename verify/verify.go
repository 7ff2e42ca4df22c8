// Package verify checks downloaded artifacts against their expected
// checksum and, when configured, a detached signature.
package verify

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/fetch"
)

// Verifier applies the verification policy. It downloads checksum
// manifests and signatures through the shared fetch layer.
type Verifier struct {
	Fetch *fetch.Client
}

// Verify runs the policy for one artifact, in order: checksum, then
// signature.
//
// The effective checksum source is the first available of: the explicit
// argument, the release digest (only when the app opts in with
// checksum_from_release_digest), the manifest at checksum_url. When no
// source and no signature are configured, Verify is a logged no-op.
func (v *Verifier) Verify(ctx context.Context, artifact string, app *appupd.AppConfig, artifactURL, explicitSum, releaseDigest string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "verify/Verifier.Verify", "app", app.Key)
	pol := app.Policy()

	sum, algo, err := v.expectedSum(ctx, artifact, pol, explicitSum, releaseDigest)
	if err != nil {
		return err
	}
	checked := false
	if sum != "" {
		got, err := appupd.HashFile(artifact, algo)
		if err != nil {
			return &appupd.Error{Inner: err, Kind: appupd.ErrValidation, Op: `verify.Verify`, Message: "hashing artifact"}
		}
		if !appupd.EqualHex(got, sum) {
			return &appupd.Error{
				Kind:    appupd.ErrValidation,
				Op:      `verify.Verify`,
				Message: fmt.Sprintf("checksum mismatch for %q: got %s, want %s", filepath.Base(artifact), got, sum),
			}
		}
		zlog.Info(ctx).Str("algorithm", orDefault(algo)).Msg("checksum verified")
		checked = true
	}

	if pol.Signature.Configured() {
		if err := v.verifySignature(ctx, artifact, pol, artifactURL); err != nil {
			return err
		}
		checked = true
	}

	if !checked {
		zlog.Info(ctx).Msg("no verification configured for artifact")
	}
	return nil
}

// ExpectedSum resolves the checksum source chain. An empty sum with nil
// error means no checksum is configured.
func (v *Verifier) expectedSum(ctx context.Context, artifact string, pol *appupd.Common, explicitSum, releaseDigest string) (sum, algo string, err error) {
	algo = pol.Checksum.Algorithm
	switch {
	case explicitSum != "":
		return explicitSum, algo, nil
	case pol.Checksum.FromReleaseDigest && releaseDigest != "":
		// Release digests are always sha256.
		return releaseDigest, appupd.DefaultAlgorithm, nil
	case pol.Checksum.URL != "":
		manifest, err := v.Fetch.FetchCached(ctx, pol.Checksum.URL, fetch.Raw, pol.AllowInsecureHTTP)
		if err != nil {
			return "", "", err
		}
		sum, err := appupd.FindChecksumFile(manifest, filepath.Base(artifact))
		if err != nil {
			return "", "", &appupd.Error{Inner: err, Kind: appupd.ErrValidation, Op: `verify.Verify`, Message: "reading checksum manifest"}
		}
		if sum == "" {
			return "", "", &appupd.Error{
				Kind:    appupd.ErrValidation,
				Op:      `verify.Verify`,
				Message: fmt.Sprintf("checksum manifest has no entry for %q", filepath.Base(artifact)),
			}
		}
		return sum, algo, nil
	}
	return "", "", nil
}

func orDefault(algo string) string {
	if algo == "" {
		return appupd.DefaultAlgorithm
	}
	return algo
}
