// Package staging holds fetched asset bytes and serialized sidecars on a local
// filesystem between download and upload.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Handle identifies one staged file.
type Handle struct {
	Path string
	Size int64
}

// Area is a staging directory on an afero filesystem.
type Area struct {
	fs  afero.Fs
	dir string
}

// New returns an Area rooted at dir on fs.
func New(fs afero.Fs, dir string) *Area {
	return &Area{fs: fs, dir: dir}
}

// NewOS stages under dir on the local disk.
func NewOS(dir string) *Area {
	return New(afero.NewOsFs(), dir)
}

// NewMemory stages in memory.
func NewMemory() *Area {
	return New(afero.NewMemMapFs(), "staging")
}

// Stage copies r into <dir>/<assetID>/<name>.
func (a *Area) Stage(assetID, name string, r io.Reader) (Handle, error) {
	dir := filepath.Join(a.dir, safeSegment(assetID))
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create staging dir: %w", err)
	}

	path := filepath.Join(dir, safeSegment(name))
	f, err := a.fs.Create(path)
	if err != nil {
		return Handle{}, fmt.Errorf("create staging file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		_ = a.fs.Remove(path)
		return Handle{}, fmt.Errorf("write staging file: %w", copyErr)
	}
	if closeErr != nil {
		_ = a.fs.Remove(path)
		return Handle{}, fmt.Errorf("close staging file: %w", closeErr)
	}
	return Handle{Path: path, Size: n}, nil
}

// StageBytes stages an in-memory payload.
func (a *Area) StageBytes(assetID, name string, data []byte) (Handle, error) {
	dir := filepath.Join(a.dir, safeSegment(assetID))
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(dir, safeSegment(name))
	if err := afero.WriteFile(a.fs, path, data, 0o644); err != nil {
		return Handle{}, fmt.Errorf("write staging file: %w", err)
	}
	return Handle{Path: path, Size: int64(len(data))}, nil
}

// Open returns a reader over a staged file. The caller closes it.
func (a *Area) Open(h Handle) (afero.File, error) {
	return a.fs.Open(h.Path)
}

// Remove deletes a staged file and, once empty, its asset directory.
// Removing a file that is already gone is not an error.
func (a *Area) Remove(h Handle) error {
	if h.Path == "" {
		return nil
	}
	if err := a.fs.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	dir := filepath.Dir(h.Path)
	if entries, err := afero.ReadDir(a.fs, dir); err == nil && len(entries) == 0 {
		_ = a.fs.Remove(dir)
	}
	return nil
}

// Exists reports whether the staged file is still present.
func (a *Area) Exists(h Handle) bool {
	ok, err := afero.Exists(a.fs, h.Path)
	return err == nil && ok
}

func safeSegment(s string) string {
	s = filepath.Base(filepath.Clean("/" + s))
	if s == "/" || s == "." || s == "" {
		return "_"
	}
	return s
}
