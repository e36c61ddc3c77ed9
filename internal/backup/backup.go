// Package backup uploads JSON snapshots of the site state to
// S3-compatible object storage. Snapshots are write-once objects named
// by timestamp, taken on demand before risky operations like a full
// reimport.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"worksite/api/internal/store"
)

// Snapshot is the full persisted state at one instant.
type Snapshot struct {
	Activities []store.Activity                `json:"activities"`
	Progress   map[string]store.ProgressRecord `json:"progress"`
	Units      map[string]store.UnitCount      `json:"units"`
	CreatedBy  string                          `json:"createdBy,omitempty"`
	CreatedAt  time.Time                       `json:"createdAt"`
}

type Uploader struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// Upload stores one snapshot and returns its object name.
func (u *Uploader) Upload(ctx context.Context, snap Snapshot) (string, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshots/worksite-%s.json", snap.CreatedAt.Format("20060102T150405Z"))
	_, err = u.client.PutObject(ctx, u.bucket, name, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	return name, nil
}
