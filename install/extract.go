package install

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/quay/zlog"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/appupd/appupd"
)

// ExtractBudgetMB is the default cumulative size cap for an extracted
// archive, in megabytes.
const ExtractBudgetMB = 5000

// Extract unpacks an archive into dest, dispatching on the file
// extension. Supported: .tar.gz/.tgz, .tar.xz/.txz, .tar.bz2/.tbz2,
// .tar.zst, .zip.
//
// Member paths are confined to dest and the cumulative extracted size is
// capped at capMB megabytes; violations return VALIDATION_ERROR without
// finishing the extraction.
func Extract(ctx context.Context, archive, dest string, capMB int64) error {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Extract", "archive", filepath.Base(archive))
	if capMB <= 0 {
		capMB = ExtractBudgetMB
	}
	budget := capMB << 20

	name := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip(ctx, archive, dest, budget)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTar(ctx, archive, dest, budget, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return extractTar(ctx, archive, dest, budget, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return extractTar(ctx, archive, dest, budget, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case strings.HasSuffix(name, ".tar.zst"):
		return extractTar(ctx, archive, dest, budget, func(r io.Reader) (io.Reader, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		})
	}
	return &appupd.Error{
		Kind:    appupd.ErrValidation,
		Op:      `install.Extract`,
		Message: fmt.Sprintf("unsupported archive format %q", filepath.Base(archive)),
	}
}

// MemberPath confines a member name to dest.
func memberPath(dest, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `install.Extract`,
			Message: fmt.Sprintf("archive member %q escapes the extraction root", name),
		}
	}
	return filepath.Join(dest, clean), nil
}

func overBudget(written, budget int64) error {
	if written <= budget {
		return nil
	}
	return &appupd.Error{
		Kind:    appupd.ErrValidation,
		Op:      `install.Extract`,
		Message: fmt.Sprintf("archive exceeds the %d MB extraction cap", budget>>20),
	}
}

func extractTar(ctx context.Context, archive, dest string, budget int64, wrap func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := wrap(f)
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrValidation, Op: `install.Extract`, Message: "corrupt archive"}
	}
	if c, ok := zr.(io.Closer); ok {
		defer c.Close()
	}

	var written int64
	var members int
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		switch {
		case err == io.EOF:
			if members == 0 {
				return emptyArchive(archive)
			}
			zlog.Debug(ctx).Int("members", members).Int64("bytes", written).Msg("extracted")
			return nil
		case err != nil:
			return &appupd.Error{Inner: err, Kind: appupd.ErrValidation, Op: `install.Extract`, Message: "corrupt archive"}
		}
		tgt, err := memberPath(dest, h.Name)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(tgt, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// Links may point inside the tree only.
			if filepath.IsAbs(h.Linkname) {
				return &appupd.Error{
					Kind:    appupd.ErrValidation,
					Op:      `install.Extract`,
					Message: fmt.Sprintf("archive symlink %q targets absolute path %q", h.Name, h.Linkname),
				}
			}
			if _, err := memberPath(dest, filepath.Join(filepath.Dir(h.Name), h.Linkname)); err != nil {
				return err
			}
			os.Remove(tgt)
			if err := os.Symlink(h.Linkname, tgt); err != nil {
				return err
			}
		case tar.TypeReg:
			written += h.Size
			if err := overBudget(written, budget); err != nil {
				return err
			}
			if err := writeMember(dest, tgt, tr, h.Size, os.FileMode(h.Mode)&0o777); err != nil {
				return err
			}
		default:
			zlog.Debug(ctx).Str("member", h.Name).Msg("skipping special member")
			continue
		}
		members++
	}
}

func extractZip(ctx context.Context, archive, dest string, budget int64) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrValidation, Op: `install.Extract`, Message: "corrupt archive"}
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return emptyArchive(archive)
	}

	var written int64
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		tgt, err := memberPath(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(tgt, 0o755); err != nil {
				return err
			}
			continue
		}
		written += int64(zf.UncompressedSize64)
		if err := overBudget(written, budget); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeMember(dest, tgt, rc, int64(zf.UncompressedSize64), zf.Mode()&0o777)
		rc.Close()
		if err != nil {
			return err
		}
	}
	zlog.Debug(ctx).Int("members", len(zr.File)).Int64("bytes", written).Msg("extracted")
	return nil
}

func writeMember(dest, tgt string, r io.Reader, size int64, mode os.FileMode) error {
	dir := filepath.Dir(tgt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := confined(dest, dir); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(tgt, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|unix.O_NOFOLLOW, mode)
	if err != nil {
		return err
	}
	// LimitReader guards against member headers lying about their size.
	_, err = io.Copy(f, io.LimitReader(r, size))
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Confined checks that dir, after resolving any symlinks planted by
// earlier members, is still inside dest.
func confined(dest, dir string) error {
	rdest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	rdir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if rdir != rdest && !strings.HasPrefix(rdir, rdest+string(filepath.Separator)) {
		return &appupd.Error{
			Kind:    appupd.ErrValidation,
			Op:      `install.Extract`,
			Message: fmt.Sprintf("member path %q escapes the extraction root", dir),
		}
	}
	return nil
}

func emptyArchive(archive string) error {
	return &appupd.Error{
		Kind:    appupd.ErrValidation,
		Op:      `install.Extract`,
		Message: fmt.Sprintf("archive %q has no members", filepath.Base(archive)),
	}
}
