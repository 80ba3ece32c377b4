// Package archive copies analyzed panel images to S3-compatible object storage
// so they outlive the local cleanup.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
)

// Options configure a Store.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Store writes panel images under runs/{runID}/ in one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and creates the bucket if it does not exist.
func New(ctx context.Context, o Options) (*Store, error) {
	if o.Endpoint == "" || o.Bucket == "" {
		return nil, errors.New("archive: endpoint and bucket are required")
	}

	tr, err := minio.DefaultTransport(o.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("archive: transport: %w", err)
	}

	cli, err := minio.New(o.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure:    o.UseSSL,
		Region:    o.Region,
		Transport: otelhttp.NewTransport(tr),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", o.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, o.Bucket, minio.MakeBucketOptions{Region: o.Region}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", o.Bucket, err)
		}
	}

	return &Store{client: cli, bucket: o.Bucket}, nil
}

// Key is the object key for a run's image.
func Key(runID, filename string) string {
	return path.Join("runs", runID, path.Base(filename))
}

// Archive uploads the image and returns its object URL.
func (s *Store) Archive(ctx context.Context, runID string, img *dashboard.Image) (string, error) {
	if img == nil || img.Path == "" {
		return "", errors.New("archive: no image")
	}
	key := Key(runID, img.Filename)

	_, err := s.client.FPutObject(ctx, s.bucket, key, img.Path, minio.PutObjectOptions{
		ContentType: contentType(img.Filename),
		UserMetadata: map[string]string{
			"panel-id": img.PanelID,
			"run-id":   runID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	u := *s.client.EndpointURL()
	u.Path = "/" + s.bucket + "/" + key
	return u.String(), nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
