package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/httputil"
)

// Download fetches the URL into dest, uncached.
//
// When expectedSum (hex) is supplied the body is hashed while streaming and
// the digest is compared before the file is published; a mismatch removes
// the spool file and fails with VALIDATION_ERROR. In dry-run mode Download
// is a successful no-op.
func (c *Client) Download(ctx context.Context, rawurl, dest, expectedSum, algo string, allowInsecure bool) error {
	ctx = zlog.ContextWithValues(ctx, "component", "fetch/Client.Download", "url", rawurl)
	if c.opt.DryRun {
		zlog.Info(ctx).Str("dest", dest).Msg("dry run, skipping download")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.Download`, Message: "creating artifact directory"}
	}

	res, err := c.do(ctx, http.MethodGet, rawurl, allowInsecure, c.opt.DownloadMultiplier)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch.Download`, Message: rawurl}
	}
	if res.ContentLength > 0 {
		zlog.Debug(ctx).Int64("content_length", res.ContentLength).Msg("download starting")
	}

	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.Download`, Message: "creating spool file"}
	}
	name := f.Name()
	if c.opt.Registry != nil {
		c.opt.Registry.AddPath(name)
		defer c.opt.Registry.ForgetPath(name)
	}
	defer os.Remove(name)

	h, err := appupd.NewHash(algo)
	if err != nil {
		f.Close()
		return err
	}
	w := io.MultiWriter(f, h)
	n, err := io.Copy(w, res.Body)
	if err != nil {
		f.Close()
		return &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch.Download`, Message: "streaming body"}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if expectedSum != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !appupd.EqualHex(got, expectedSum) {
			return &appupd.Error{
				Kind:    appupd.ErrValidation,
				Op:      `fetch.Download`,
				Message: fmt.Sprintf("checksum mismatch for %q: got %s, want %s", rawurl, got, expectedSum),
			}
		}
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	if err := os.Rename(name, dest); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.Download`, Message: "publishing artifact"}
	}
	zlog.Info(ctx).Str("dest", dest).Int64("bytes", n).Msg("downloaded")
	return nil
}
