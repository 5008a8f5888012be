package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"paper-pulse/config"
)

// NewS3Client creates an S3 client for the configured endpoint. Any
// S3-compatible store works; path-style addressing is used when a custom
// endpoint is set.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3URL != "" {
			o.BaseEndpoint = aws.String(cfg.S3URL)
			o.UsePathStyle = true
		}
	}), nil
}

// ObjectPutter is the part of the S3 API the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive stores rendered paper documents as papers/{doi}.md objects.
type Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewArchive returns an archive writing to bucket.
func NewArchive(client ObjectPutter, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: "papers/"}
}

// Key returns the object key of a paper document. DOI slashes become path
// segments, which S3 accepts as is.
func (a *Archive) Key(doi string) string {
	return a.prefix + strings.TrimPrefix(doi, "/") + ".md"
}

// Put uploads the markdown of one paper, overwriting any previous version.
func (a *Archive) Put(ctx context.Context, doi, markdown string) error {
	key := a.Key(doi)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(markdown)),
		ContentType: aws.String("text/markdown; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}
