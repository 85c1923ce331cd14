package model

import "context"

// RemoteStorage is the remote object storage holding bundles and game logs.
// Download and Upload report a missing object or a failed transfer as an error.
type RemoteStorage interface {
	CheckConnection(ctx context.Context) bool
	DownloadFile(ctx context.Context, bucket, key, localPath string) error
	UploadFile(ctx context.Context, bucket, localPath, key string) error
}
