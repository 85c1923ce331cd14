// Package storagetest provides storage doubles for tests: an in-memory
// Fake and a MinIO container started by testcontainers.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrNoSuchObject = errors.New("no such object")

// Call is one recorded storage operation.
type Call struct {
	Op     string // check | download | upload
	Bucket string
	Key    string
}

// Fake is an in-memory model.RemoteStorage which records every call.
type Fake struct {
	mx      sync.Mutex
	online  bool
	objects map[string][]byte
	calls   []Call
	failUp  error
}

func NewFake() *Fake {
	return &Fake{
		online:  true,
		objects: make(map[string][]byte),
	}
}

// Put stores an object directly, bypassing the call log.
func (f *Fake) Put(bucket, key string, content []byte) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.objects[bucket+"/"+key] = content
	return f
}

// Object returns an uploaded object.
func (f *Fake) Object(bucket, key string) ([]byte, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	b, ok := f.objects[bucket+"/"+key]
	return b, ok
}

// SetOnline switches the result of CheckConnection.
func (f *Fake) SetOnline(online bool) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.online = online
	return f
}

// FailUploads makes every upload return err.
func (f *Fake) FailUploads(err error) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.failUp = err
	return f
}

func (f *Fake) Calls() []Call {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns the number of calls of op.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) CheckConnection(_ context.Context) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, Call{Op: "check"})
	return f.online
}

func (f *Fake) DownloadFile(_ context.Context, bucket, key, localPath string) error {
	f.mx.Lock()
	f.calls = append(f.calls, Call{Op: "download", Bucket: bucket, Key: key})
	b, ok := f.objects[bucket+"/"+key]
	f.mx.Unlock()
	if !ok {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNoSuchObject)
	}
	return os.WriteFile(localPath, b, 0o644)
}

func (f *Fake) UploadFile(_ context.Context, bucket, localPath, key string) error {
	f.mx.Lock()
	f.calls = append(f.calls, Call{Op: "upload", Bucket: bucket, Key: key})
	failUp := f.failUp
	f.mx.Unlock()
	if failUp != nil {
		return failUp
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.Put(bucket, key, b)
	return nil
}
