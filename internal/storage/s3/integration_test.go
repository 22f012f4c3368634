//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/storage"
)

func minioConfig(t *testing.T) config.ObjectStoreConfig {
	t.Helper()
	endpoint := strings.TrimSpace(os.Getenv("TABLETALK_TEST_S3_ENDPOINT"))
	if endpoint == "" {
		t.Skip("TABLETALK_TEST_S3_ENDPOINT is not set")
	}
	lookup := func(key, fallback string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	return config.ObjectStoreConfig{
		Enabled:          true,
		Endpoint:         endpoint,
		Region:           lookup("TABLETALK_TEST_S3_REGION", "us-east-1"),
		Bucket:           lookup("TABLETALK_TEST_S3_BUCKET", "tabletalk-it"),
		AccessKeyID:      lookup("TABLETALK_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  lookup("TABLETALK_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           fmt.Sprintf("it-%d", time.Now().UnixNano()),
		AutoCreateBucket: true,
	}
}

func TestArchivedUploadsPurgeWithSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := New(ctx, minioConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	payload := []byte("PAR1 staged rows PAR1")
	var keys []string
	for _, upload := range []string{"u1", "u2", "u3"} {
		key, err := storage.BuildStagedPath("purged", upload)
		if err != nil {
			t.Fatalf("BuildStagedPath() error = %v", err)
		}
		_, err = store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
			ContentType: "application/vnd.apache.parquet",
			Metadata:    map[string]string{"session-id": "purged", "upload-id": upload},
		})
		if err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
		keys = append(keys, key)
	}
	neighbour, _ := storage.BuildStagedPath("purged-not", "u9")
	if _, err := store.Put(ctx, neighbour, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{}); err != nil {
		t.Fatalf("Put(neighbour) error = %v", err)
	}

	reader, err := store.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Get() payload = %q, %v", got, err)
	}

	stat, err := store.Stat(ctx, keys[1])
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Size != int64(len(payload)) || stat.Key != keys[1] {
		t.Fatalf("Stat() = %+v", stat)
	}

	prefix, _ := storage.SessionPrefix("purged")
	deleted, err := storage.DeletePrefix(ctx, store, prefix)
	if err != nil || deleted != len(keys) {
		t.Fatalf("DeletePrefix() = %d, %v", deleted, err)
	}
	for _, key := range keys {
		if _, err := store.Stat(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
			t.Fatalf("Stat(%s) after purge = %v, want ErrObjectNotFound", key, err)
		}
	}
	if _, err := store.Stat(ctx, neighbour); err != nil {
		t.Fatalf("neighbouring session was purged: %v", err)
	}
	if err := store.Delete(ctx, neighbour); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}
