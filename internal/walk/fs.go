// Package walk lists the regular files below a directory, for packing a
// game log directory into an archive.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path is the file path prefixed with the walked directory.
	Path() string
	// RelPath is the slash separated path relative to the walked directory.
	RelPath() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Dir walks dir through an os.Root, so no entry resolves outside of it.
// The root is closed when the iteration ends.
func Dir(ctx context.Context, dir string) (iter.Seq2[Entry, error], error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return func(yield func(Entry, error) bool) {
		defer func() {
			_ = root.Close()
		}()
		FS(ctx, root.FS(), dir)(yield)
	}, nil
}

// FS yields every regular file of fsys in lexical order. Symlinks are not
// followed. An entry whose information could not be read is yielded along
// with the error. A canceled ctx ends the walk silently.
func FS(ctx context.Context, fsys fs.FS, prefix string) iter.Seq2[Entry, error] {
	if fsys == nil {
		panic("fsys is nil")
	}
	return func(yield func(Entry, error) bool) {
		_ = fs.WalkDir(fsys, ".", func(rel string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			e := file{
				fsys:   fsys,
				prefix: prefix,
				rel:    rel,
				err:    err,
			}
			if e.err == nil {
				e.info, e.err = d.Info()
			}
			if e.err == nil && !e.info.Mode().IsRegular() {
				return nil
			}
			if !yield(e, e.err) {
				return fs.SkipAll
			}
			return nil
		})
	}
}

type file struct {
	fsys   fs.FS
	prefix string
	rel    string
	info   fs.FileInfo
	err    error
}

func (f file) Path() string    { return filepath.Join(f.prefix, filepath.FromSlash(f.rel)) }
func (f file) RelPath() string { return f.rel }

func (f file) Open() (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fsys.Open(f.rel)
}

func (f file) Stat() (fs.FileInfo, error) {
	return f.info, f.err
}
