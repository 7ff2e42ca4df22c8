package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/httputil"
)

// Kind is the expected shape of a cached response.
type Kind int

const (
	// Raw performs no content validation.
	Raw Kind = iota
	// JSON requires the body to parse as JSON.
	JSON
	// HTML warns when the body carries no HTML marker.
	HTML
)

// CacheKey is the cache filename for a URL.
func CacheKey(rawurl string) string {
	sum := sha256.Sum256([]byte(rawurl))
	return hex.EncodeToString(sum[:])
}

// FetchCached returns the path of a file holding the URL's response body.
//
// A cache entry younger than the TTL is reused without touching the
// network. Concurrent fetches of one URL are collapsed; distinct processes
// racing on the same entry each write a private temp file and rename, last
// writer winning.
func (c *Client) FetchCached(ctx context.Context, rawurl string, kind Kind, allowInsecure bool) (string, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "fetch/Client.FetchCached")
	if c.opt.CacheDir == "" {
		return "", &appupd.Error{Kind: appupd.ErrCache, Op: `fetch.FetchCached`, Message: "no cache directory configured"}
	}
	if err := os.MkdirAll(c.opt.CacheDir, 0o700); err != nil {
		return "", &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.FetchCached`, Message: "creating cache directory"}
	}
	entry := filepath.Join(c.opt.CacheDir, CacheKey(rawurl))
	if fi, err := os.Stat(entry); err == nil && time.Since(fi.ModTime()) < c.opt.TTL {
		zlog.Debug(ctx).Str("url", rawurl).Str("entry", entry).Msg("cache hit")
		return entry, nil
	}

	_, err, _ := c.sf.Do(entry, func() (interface{}, error) {
		return nil, c.fill(ctx, rawurl, entry, kind, allowInsecure)
	})
	if err != nil {
		// A stale entry still beats nothing when the upstream is down.
		if _, statErr := os.Stat(entry); statErr == nil {
			zlog.Warn(ctx).Err(err).Str("url", rawurl).Msg("refresh failed, serving stale cache entry")
			return entry, nil
		}
		return "", err
	}
	return entry, nil
}

// Fill downloads the URL into a temp file, validates the content kind, and
// renames it over the cache entry.
func (c *Client) fill(ctx context.Context, rawurl, entry string, kind Kind, allowInsecure bool) error {
	res, err := c.do(ctx, http.MethodGet, rawurl, allowInsecure, c.opt.MetaMultiplier)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch.FetchCached`, Message: rawurl}
	}

	f, err := os.CreateTemp(c.opt.CacheDir, ".fetch.*")
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.FetchCached`, Message: "creating spool file"}
	}
	name := f.Name()
	if c.opt.Registry != nil {
		c.opt.Registry.AddPath(name)
		defer c.opt.Registry.ForgetPath(name)
	}
	defer os.Remove(name)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		f.Close()
		return &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch.FetchCached`, Message: "reading response"}
	}
	if err := validateKind(ctx, rawurl, kind, buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		return err
	}
	if err := os.Rename(name, entry); err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrCache, Op: `fetch.FetchCached`, Message: "publishing cache entry"}
	}
	zlog.Debug(ctx).Str("url", rawurl).Str("entry", entry).Msg("cache filled")
	return nil
}

func validateKind(ctx context.Context, rawurl string, kind Kind, body []byte) error {
	switch kind {
	case JSON:
		if !json.Valid(body) {
			return &appupd.Error{
				Kind:    appupd.ErrValidation,
				Op:      `fetch.FetchCached`,
				Message: fmt.Sprintf("response from %q is not JSON", rawurl),
			}
		}
	case HTML:
		lowered := bytes.ToLower(body[:min(len(body), 1024)])
		if !bytes.Contains(lowered, []byte("<html")) && !bytes.Contains(lowered, []byte("<!doctype html")) {
			zlog.Warn(ctx).Str("url", rawurl).Msg("response does not look like HTML")
		}
	case Raw:
	}
	return nil
}
