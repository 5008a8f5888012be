// Command backup exports every stored paper as gzipped JSON lines to the
// configured S3 bucket and keeps only the newest BACKUP_KEEP snapshots.
package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"paper-pulse/config"
	"paper-pulse/models"
	"paper-pulse/storage"
)

const backupPrefix = "backup-"

// objectStore is the part of the S3 API a backup needs.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// paperSource yields every stored paper.
type paperSource interface {
	EachPaper(ctx context.Context, batchSize int, fn func(*models.Paper) error) error
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}
	if !cfg.ArchiveEnabled() {
		logging.Fatal("S3_BUCKET is not set")
	}
	ctx := context.Background()

	// 1. Export papers
	store, err := storage.Open(cfg)
	if err != nil {
		logging.Fatal("Database connection failed", zap.Error(err))
	}
	var buf bytes.Buffer
	n, err := exportPapers(ctx, store, &buf)
	if err != nil {
		logging.Fatal("Export failed", zap.Error(err))
	}

	// 2. S3 client
	client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		logging.Fatal("Creating S3 client failed", zap.Error(err))
	}

	// 3. Upload
	key := backupKey(time.Now())
	if err := uploadToS3(ctx, client, cfg.S3Bucket, key, buf.Bytes()); err != nil {
		logging.Fatal("Upload failed", zap.String("key", key), zap.Error(err))
	}
	logging.Info("Backup uploaded",
		zap.String("bucket", cfg.S3Bucket), zap.String("key", key),
		zap.Int("papers", n), zap.Int("bytes", buf.Len()))

	// 4. Rotate
	deleted, err := rotateBackups(ctx, client, cfg.S3Bucket, cfg.BackupKeep, logging)
	if err != nil {
		logging.Fatal("Rotating old backups failed", zap.Error(err))
	}
	logging.Info("Backup finished", zap.Int("deleted", deleted))
}

func backupKey(now time.Time) string {
	return fmt.Sprintf("%s%s.jsonl.gz", backupPrefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}

// exportPapers writes one JSON object per paper, gzip compressed, and returns
// the number of papers written.
func exportPapers(ctx context.Context, src paperSource, w io.Writer) (int, error) {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	n := 0
	err := src.EachPaper(ctx, 200, func(p *models.Paper) error {
		n++
		return enc.Encode(p)
	})
	if err != nil {
		return n, fmt.Errorf("exporting papers: %w", err)
	}
	if err := gz.Close(); err != nil {
		return n, err
	}
	return n, nil
}

func uploadToS3(ctx context.Context, client objectStore, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	return err
}

// rotateBackups deletes all but the newest keep snapshots. At least one
// snapshot, the one just uploaded, always survives. Objects outside the
// backup prefix, such as archived paper documents, are never touched.
func rotateBackups(ctx context.Context, client objectStore, bucket string, keep int, logger *zap.Logger) (int, error) {
	keep = max(keep, 1)
	var objects []types.Object
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(backupPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		for _, obj := range page.Contents {
			if strings.HasPrefix(aws.ToString(obj.Key), backupPrefix) {
				objects = append(objects, obj)
			}
		}
	}

	if len(objects) <= keep {
		logger.Info("No rotation needed", zap.Int("backups", len(objects)), zap.Int("keep", keep))
		return 0, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).After(aws.ToTime(objects[j].LastModified))
	})

	deleted := 0
	for _, obj := range objects[keep:] {
		logger.Info("Deleting old backup", zap.String("key", aws.ToString(obj.Key)))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		})
		if err != nil {
			logger.Warn("Deleting backup failed", zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
