// Package archive packs directories into zip archives and unpacks them.
// Paths inside an archive are slash separated and relative to the packed
// directory; unpacking never writes outside of the target directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/rcssrunner/runner/internal/walk"
)

// Zip recursively packs dir into a deflate compressed archive at dest.
// The archive is written to a temporary file first, so dest either does not
// exist or is complete.
func Zip(ctx context.Context, dir, dest string) (err error) {
	seq, err := walk.Dir(ctx, dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for entry, werr := range seq {
		if werr != nil {
			return fmt.Errorf("walking %s: %w", dir, werr)
		}
		if err = add(zw, entry); err != nil {
			return fmt.Errorf("adding %s: %w", entry.RelPath(), err)
		}
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("renaming archive: %w", err)
	}
	return nil
}

func add(zw *zip.Writer, entry walk.Entry) error {
	info, err := entry.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = entry.RelPath()
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	r, err := entry.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	_, err = io.Copy(w, r)
	return err
}

// Unzip extracts the archive src into the directory dest, which is created
// if absent. Entries pointing outside of dest are rejected.
func Unzip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() {
		_ = zr.Close()
	}()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer func() {
		_ = root.Close()
	}()

	for _, f := range zr.File {
		if err := extract(root, f); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

var errUnsafePath = errors.New("unsafe path")

func extract(root *os.Root, f *zip.File) error {
	name := path.Clean(strings.ReplaceAll(f.Name, `\`, "/"))
	if !fs.ValidPath(name) {
		return errUnsafePath
	}
	mode := f.Mode()
	if mode.IsDir() {
		return root.MkdirAll(name, 0o755)
	}
	if !mode.IsRegular() {
		// symlinks and devices are not part of bundles nor game logs
		return nil
	}
	if dir := path.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	r, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	w, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
