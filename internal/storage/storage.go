// Package storage lists the S3 objects that feed a knowledge base.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectInfo represents metadata for a remote object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Lister captures the listing operations the ingestion pipeline needs.
type Lister interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
}

// S3Lister pages through ListObjectsV2.
type S3Lister struct {
	client s3.ListObjectsV2APIClient
	logger *slog.Logger
}

var _ Lister = (*S3Lister)(nil)

// NewS3Lister wraps an S3 client (or anything serving ListObjectsV2).
func NewS3Lister(client s3.ListObjectsV2APIClient, logger *slog.Logger) *S3Lister {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3Lister{client: client, logger: logger}
}

// ListObjects returns every object under prefix in listing order. Directory markers are
// included; filtering is the caller's job.
func (l *S3Lister) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	pages := 0
	paginator := s3.NewListObjectsV2Paginator(l.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		pages++
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	l.logger.Debug("listed objects", "bucket", bucket, "prefix", prefix, "pages", pages, "objects", len(objects))
	return objects, nil
}

// ListKeys is ListObjects reduced to keys.
func (l *S3Lister) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objects, err := l.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}
	return keys, nil
}
