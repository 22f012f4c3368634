package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

type PutOptions struct {
	ContentType string
	// Metadata is stored with the object, e.g. the owning session and upload.
	Metadata map[string]string
}

// ObjectStore archives staged session data so a session can be rebuilt
// after the process that loaded it is gone.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// PrefixDeleter is implemented by stores that can drop a prefix in bulk.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// DeletePrefix removes every object below prefix and reports how many
// were deleted.
func DeletePrefix(ctx context.Context, store ObjectStore, prefix string) (int, error) {
	if bulk, ok := store.(PrefixDeleter); ok {
		return bulk.DeletePrefix(ctx, prefix)
	}
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, object := range objects {
		if err := store.Delete(ctx, object.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
