package verify

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/fetch"
)

// GpgBudget bounds one gpg invocation.
const gpgBudget = 60 * time.Second

// VerifySignature fetches the detached signature and checks it against the
// artifact using the invoking user's keyring. The signing key's
// fingerprint must equal the configured one.
//
// When the process has been escalated, the keyring of the pre-sudo user is
// used. An unusable keyring is a GPG_ERROR; verification never falls back
// to root's (typically empty) keyring.
func (v *Verifier) verifySignature(ctx context.Context, artifact string, pol *appupd.Common, artifactURL string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "verify/Verifier.verifySignature")
	gpg, err := exec.LookPath("gpg")
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrDependency, Op: `verify.signature`, Message: "gpg not found"}
	}
	home, err := gnupgHome()
	if err != nil {
		return err
	}

	sigURL := pol.Signature.ResolveSigURL(artifactURL)
	sig, err := v.Fetch.FetchCached(ctx, sigURL, fetch.Raw, pol.AllowInsecureHTTP)
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrGPG, Op: `verify.signature`, Message: "fetching detached signature"}
	}

	cctx, done := context.WithTimeout(ctx, gpgBudget)
	defer done()
	cmd := exec.CommandContext(cctx, gpg,
		"--homedir", home,
		"--batch", "--status-fd", "1",
		"--verify", sig, artifact,
	)
	out, err := cmd.CombinedOutput()
	if cctx.Err() != nil {
		return &appupd.Error{Kind: appupd.ErrTimeout, Op: `verify.signature`, Message: "gpg ran too long"}
	}
	if err != nil {
		return &appupd.Error{
			Inner:   err,
			Kind:    appupd.ErrGPG,
			Op:      `verify.signature`,
			Message: fmt.Sprintf("signature verification failed: %s", firstLine(out)),
		}
	}
	fpr := validSigFingerprint(out)
	if fpr == "" {
		return &appupd.Error{Kind: appupd.ErrGPG, Op: `verify.signature`, Message: "gpg reported no valid signature"}
	}
	if normalizeFingerprint(fpr) != normalizeFingerprint(pol.Signature.Fingerprint) {
		return &appupd.Error{
			Kind:    appupd.ErrGPG,
			Op:      `verify.signature`,
			Message: fmt.Sprintf("signing key fingerprint %s does not match pinned %s", fpr, pol.Signature.Fingerprint),
		}
	}
	zlog.Info(ctx).Str("fingerprint", normalizeFingerprint(fpr)).Msg("signature verified")
	return nil
}

// GnupgHome resolves the invoking user's keyring directory.
func gnupgHome() (string, error) {
	home := ""
	if os.Geteuid() == 0 {
		if su := os.Getenv("SUDO_USER"); su != "" {
			u, err := user.Lookup(su)
			if err != nil {
				return "", &appupd.Error{Inner: err, Kind: appupd.ErrGPG, Op: `verify.signature`, Message: "resolving invoking user"}
			}
			home = u.HomeDir
		}
	}
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", &appupd.Error{Inner: err, Kind: appupd.ErrGPG, Op: `verify.signature`, Message: "resolving home directory"}
		}
		home = h
	}
	d := filepath.Join(home, ".gnupg")
	fi, err := os.Stat(d)
	if err != nil || !fi.IsDir() {
		return "", &appupd.Error{
			Kind:    appupd.ErrGPG,
			Op:      `verify.signature`,
			Message: fmt.Sprintf("keyring %q is not usable", d),
		}
	}
	return d, nil
}

// ValidSigFingerprint extracts the fingerprint from a gpg status stream's
// VALIDSIG line.
func validSigFingerprint(out []byte) string {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) >= 3 && f[0] == "[GNUPG:]" && f[1] == "VALIDSIG" {
			return f[2]
		}
	}
	return ""
}

func normalizeFingerprint(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
