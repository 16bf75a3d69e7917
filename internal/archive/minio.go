// Package archive copies a document's replica state to object storage when
// the replica is unloaded, keeping a history of snapshots independent of the
// document store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchive implements collab.SnapshotArchive.
type MinioArchive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinioArchive(ctx context.Context, cfg Config) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	archive := &MinioArchive{client: client, bucket: cfg.Bucket, now: time.Now}
	if err := archive.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return archive, nil
}

func (a *MinioArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *MinioArchive) ArchiveState(ctx context.Context, documentID string, state []byte) error {
	name := objectName(documentID, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(state), int64(len(state)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"document-id": documentID},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", documentID, err)
	}
	return nil
}

func (a *MinioArchive) Ping(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}

func documentPrefix(documentID string) string {
	return "documents/" + url.PathEscape(documentID) + "/"
}

// objectName sorts lexically by time within a document's prefix.
func objectName(documentID string, at time.Time) string {
	stamp := strings.ReplaceAll(at.UTC().Format("20060102T150405.000000000Z"), ".", "")
	return documentPrefix(documentID) + stamp + ".json"
}
