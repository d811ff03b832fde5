// Package archive uploads immutable copies of versions that enter a public
// mode to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"workshelf/api/internal/store"
)

// objectPutter is the slice of *minio.Client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archiver struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

// Envelope is the stored object body.
type Envelope struct {
	Version    store.Version `json:"version"`
	ArchivedAt time.Time     `json:"archivedAt"`
}

// New connects to the endpoint and creates the bucket when missing.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return newArchiver(client, opts.Bucket), nil
}

func newArchiver(client objectPutter, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket, now: func() time.Time { return time.Now().UTC() }}
}

// ShouldArchive reports whether v moved the document into a public mode.
func ShouldArchive(v store.Version) bool {
	return v.IsModeTransition && v.Mode.Public()
}

// Key is the object name for a version: documents/<id>/v<n>.json.
func Key(documentID string, versionNumber int) string {
	return "documents/" + documentID + "/v" + strconv.Itoa(versionNumber) + ".json"
}

// Archive uploads v and returns the object key. Versions that did not enter
// a public mode are skipped with an empty key.
func (a *Archiver) Archive(ctx context.Context, v store.Version) (string, error) {
	if !ShouldArchive(v) {
		return "", nil
	}

	body, err := json.Marshal(Envelope{Version: v, ArchivedAt: a.now()})
	if err != nil {
		return "", fmt.Errorf("encode archive envelope: %w", err)
	}

	key := Key(v.DocumentID, v.VersionNumber)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"document-id":    v.DocumentID,
			"version-number": strconv.Itoa(v.VersionNumber),
			"mode":           string(v.Mode),
			"content-hash":   v.ContentHash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
