package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"

	"github.com/appupd/appupd"
)

type member struct {
	name string
	body string
	mode int64
	link string
}

func writeTarGz(t *testing.T, dir string, members []member) string {
	t.Helper()
	p := filepath.Join(dir, "a.tar.gz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for _, m := range members {
		mode := m.mode
		if mode == 0 {
			mode = 0o644
		}
		h := &tar.Header{Name: m.name, Mode: mode, Size: int64(len(m.body))}
		if m.link != "" {
			h.Typeflag = tar.TypeSymlink
			h.Linkname = m.link
			h.Size = 0
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if m.link == "" {
			if _, err := tw.Write([]byte(m.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeZip(t *testing.T, dir string, members []member) string {
	t.Helper()
	p := filepath.Join(dir, "a.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(m.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExtractTarGz(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	archive := writeTarGz(t, td, []member{
		{name: "app-1.0/README", body: "hello"},
		{name: "app-1.0/bin/app", body: "#!/bin/sh\n", mode: 0o755},
	})
	dest := t.TempDir()
	if err := Extract(ctx, archive, dest, 10); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dest, "app-1.0", "README"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "hello"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	fi, err := os.Stat(filepath.Join(dest, "app-1.0", "bin", "app"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o100 == 0 {
		t.Error("executable bit lost")
	}
}

func TestExtractZip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	archive := writeZip(t, td, []member{{name: "tool", body: "bits"}})
	dest := t.TempDir()
	if err := Extract(ctx, archive, dest, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "tool")); err != nil {
		t.Error(err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	archive := writeTarGz(t, td, []member{{name: "../evil", body: "x"}})
	err := Extract(ctx, archive, t.TempDir(), 10)
	if !errors.Is(err, appupd.ErrValidation) {
		t.Errorf("got: %v, want kind VALIDATION_ERROR", err)
	}
}

// A symlink member pointing outside the extraction root must not let a
// later member write through it.
func TestExtractRejectsSymlinkEscape(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	outside := t.TempDir()

	for _, link := range []string{outside, "../../.."} {
		archive := writeTarGz(t, td, []member{
			{name: "sub", link: link},
			{name: "sub/evil", body: "x"},
		})
		err := Extract(ctx, archive, t.TempDir(), 10)
		if !errors.Is(err, appupd.ErrValidation) {
			t.Errorf("link %q: got: %v, want kind VALIDATION_ERROR", link, err)
		}
		if _, err := os.Stat(filepath.Join(outside, "evil")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("link %q: file written outside the extraction root", link)
		}
	}
}

// A symlink whose target stays inside the tree is preserved.
func TestExtractKeepsInternalSymlink(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	archive := writeTarGz(t, td, []member{
		{name: "app/bin/tool", body: "bits", mode: 0o755},
		{name: "app/tool", link: "bin/tool"},
	})
	dest := t.TempDir()
	if err := Extract(ctx, archive, dest, 10); err != nil {
		t.Fatal(err)
	}
	got, err := os.Readlink(filepath.Join(dest, "app", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "bin/tool"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestExtractSizeCap(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	big := make([]byte, 2<<20)
	archive := writeTarGz(t, td, []member{{name: "blob", body: string(big)}})
	err := Extract(ctx, archive, t.TempDir(), 1)
	if !errors.Is(err, appupd.ErrValidation) {
		t.Errorf("got: %v, want kind VALIDATION_ERROR", err)
	}
}

func TestExtractEmptyArchive(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	archive := writeTarGz(t, td, nil)
	err := Extract(ctx, archive, t.TempDir(), 10)
	if !errors.Is(err, appupd.ErrValidation) {
		t.Errorf("got: %v, want kind VALIDATION_ERROR", err)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	td := t.TempDir()
	p := filepath.Join(td, "a.rar")
	if err := os.WriteFile(p, []byte("rar"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Extract(ctx, p, t.TempDir(), 10)
	if !errors.Is(err, appupd.ErrValidation) {
		t.Errorf("got: %v, want kind VALIDATION_ERROR", err)
	}
}

func TestTopDir(t *testing.T) {
	td := t.TempDir()
	if err := os.MkdirAll(filepath.Join(td, "only-1.2"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := topDir(td)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(td, "only-1.2"); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	if err := os.WriteFile(filepath.Join(td, "stray"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = topDir(td)
	if err != nil {
		t.Fatal(err)
	}
	if got != td {
		t.Errorf("got: %q, want: %q", got, td)
	}
}
