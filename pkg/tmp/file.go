// Package tmp provides temporary files and directories that remove
// themselves on Close.
package tmp

import (
	"os"
)

// File wraps an *os.File and also implements a Close method which cleans up
// the file from the filesystem.
type File struct {
	*os.File
}

func NewFile(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}

	return &File{f}, nil
}

// Close closes the file handle and removes the file from the filesystem.
func (t *File) Close() error {
	if err := t.File.Close(); err != nil {
		os.Remove(t.File.Name())
		return err
	}
	return os.Remove(t.File.Name())
}

// Dir is a temporary directory removed, with its contents, on Close.
type Dir struct {
	name string
}

func NewDir(dir, pattern string) (*Dir, error) {
	n, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &Dir{name: n}, nil
}

// Name reports the directory's path.
func (d *Dir) Name() string { return d.name }

// Close removes the directory tree. It is safe to call multiple times.
func (d *Dir) Close() error {
	if d.name == "" {
		return nil
	}
	err := os.RemoveAll(d.name)
	d.name = ""
	return err
}
