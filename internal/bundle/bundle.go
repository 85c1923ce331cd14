// Package bundle materializes base teams and team configurations on the
// local disk. A directory named by the bundle key under the kind's root is
// a valid cache entry; its content is never validated again.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/rcssrunner/runner/internal/archive"
	"github.com/rcssrunner/runner/internal/model"
)

type Kind int

const (
	BaseTeam Kind = iota
	TeamConfig
)

func (k Kind) String() string {
	switch k {
	case BaseTeam:
		return "base_team"
	case TeamConfig:
		return "team_config"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fetcher downloads and unpacks bundles on a cache miss. Concurrent
// requests for the same bundle share one download.
type Fetcher struct {
	dataDir string
	storage model.RemoteStorage
	buckets model.Buckets
	group   singleflight.Group
}

func NewFetcher(dataDir string, storage model.RemoteStorage, buckets model.Buckets) *Fetcher {
	return &Fetcher{
		dataDir: dataDir,
		storage: storage,
		buckets: buckets,
	}
}

// Root returns the directory holding all bundles of kind.
func (f *Fetcher) Root(kind Kind) string {
	switch kind {
	case TeamConfig:
		return filepath.Join(f.dataDir, model.TeamConfigDirName)
	default:
		return filepath.Join(f.dataDir, model.BaseTeamDirName)
	}
}

// Path returns the local directory of a bundle, it may not exist yet.
func (f *Fetcher) Path(kind Kind, key string) string {
	return filepath.Join(f.Root(kind), key)
}

func (f *Fetcher) remote(kind Kind, key string) (bucket, object string) {
	switch kind {
	case TeamConfig:
		return f.buckets.TeamConfig, key
	default:
		return f.buckets.BaseTeam, key + ".zip"
	}
}

// Ensure returns the local path of the bundle, downloading it when it is
// not present. Any failure is reported as model.ErrDependencyUnavailable.
func (f *Fetcher) Ensure(ctx context.Context, kind Kind, key string) (string, error) {
	if !fs.ValidPath(key) || key == "." || filepath.Base(key) != key {
		return "", fmt.Errorf("%s %q: invalid key: %w", kind, key, model.ErrDependencyUnavailable)
	}
	root := f.Root(kind)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("%s %s: %w: %w", kind, key, model.ErrDependencyUnavailable, err)
	}

	path := f.Path(kind, key)
	if exists(path) {
		return path, nil
	}

	_, err, shared := f.group.Do(kind.String()+"/"+key, func() (any, error) {
		// a concurrent flight may have finished in between
		if exists(path) {
			return nil, nil
		}
		return nil, f.fetch(ctx, kind, key)
	})
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %w", kind, key, model.ErrDependencyUnavailable, err)
	}
	if shared {
		slog.DebugContext(ctx, "bundle fetch shared", "kind", kind, "key", key)
	}
	return path, nil
}

func (f *Fetcher) fetch(ctx context.Context, kind Kind, key string) error {
	if !f.storage.CheckConnection(ctx) {
		return errors.New("storage not reachable")
	}

	root := f.Root(kind)
	bucket, object := f.remote(kind, key)
	zipPath := filepath.Join(root, key+".zip")
	slog.InfoContext(ctx, "downloading bundle", "kind", kind, "key", key, "bucket", bucket, "object", object)
	if err := f.storage.DownloadFile(ctx, bucket, object, zipPath); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(zipPath)
	}()

	// unpack aside and move in place, so a partial bundle is never seen as cached
	tmp, err := os.MkdirTemp(root, ".fetch-"+key+"-")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()
	if err := archive.Unzip(zipPath, tmp); err != nil {
		return err
	}
	unpacked := filepath.Join(tmp, key)
	if !exists(unpacked) {
		return fmt.Errorf("archive %s/%s does not contain directory %s", bucket, object, key)
	}
	err = os.Rename(unpacked, f.Path(kind, key))
	if err != nil && exists(f.Path(kind, key)) {
		// lost a race with another runner sharing the data dir
		return nil
	}
	return err
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
