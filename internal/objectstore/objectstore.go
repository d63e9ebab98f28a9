// Package objectstore mirrors the backup tree into an S3-compatible
// bucket after each hourly run.
package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/fault"
)

const ReasonMirrorFailed = "Object mirror failed"

// api is the slice of the S3 surface the mirror uses. The real client
// satisfies it; tests swap in a fake.
type api interface {
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Mirror keeps a bucket prefix identical to the local backup tree:
// missing or resized objects are uploaded, orphaned objects deleted.
type Mirror struct {
	client   api
	uploader uploader
	bucket   string
	prefix   string
}

// New builds a mirror from the configured bucket and credentials.
func New(ctx context.Context, cfg *config.Config) (*Mirror, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
	}, nil
}

// Sync makes the bucket prefix match the tree under rootDir.
func (m *Mirror) Sync(ctx context.Context, rootDir string) error {
	local, err := localKeys(rootDir)
	if err != nil {
		return fault.New(ReasonMirrorFailed, err)
	}

	remote, err := m.remoteKeys(ctx)
	if err != nil {
		return fault.New(ReasonMirrorFailed, err)
	}

	uploads, deletes := Plan(local, remote)
	slog.Info("mirroring backup tree to object storage",
		"bucket", m.bucket,
		"uploads", len(uploads),
		"deletes", len(deletes),
	)

	for _, key := range uploads {
		if err := m.upload(ctx, rootDir, key); err != nil {
			return fault.New(ReasonMirrorFailed, err)
		}
	}

	for _, key := range deletes {
		slog.Info("deleting orphaned object", "key", key)
		_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(m.fullKey(key)),
		})
		if err != nil {
			return fault.New(ReasonMirrorFailed, fmt.Errorf("failed to delete %s: %w", key, err))
		}
	}

	return nil
}

func (m *Mirror) upload(ctx context.Context, rootDir, key string) error {
	path := filepath.Join(rootDir, filepath.FromSlash(key))
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	slog.Info("uploading object", "key", key)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.fullKey(key)),
		Body:        file,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// remoteKeys lists the bucket prefix and maps relative keys to sizes.
func (m *Mirror) remoteKeys(ctx context.Context) (map[string]int64, error) {
	keys := map[string]int64{}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(m.bucket)}
	if m.prefix != "" {
		input.Prefix = aws.String(m.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(m.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := *obj.Key
			if m.prefix != "" {
				key = strings.TrimPrefix(key, m.prefix+"/")
			}
			keys[key] = *obj.Size
		}
	}

	return keys, nil
}

func (m *Mirror) fullKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}

// localKeys walks the backup tree and maps slash-separated relative
// paths to file sizes.
func localKeys(rootDir string) (map[string]int64, error) {
	keys := map[string]int64{}

	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		keys[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", rootDir, err)
	}

	return keys, nil
}

// Plan diffs the two key sets. A key is uploaded when it is absent
// remotely or its size differs; a remote key absent locally is deleted.
// Record content never changes in place, so size is a sufficient change
// signal. Both lists come back sorted for stable log output.
func Plan(local, remote map[string]int64) (uploads, deletes []string) {
	for key, size := range local {
		if remoteSize, ok := remote[key]; !ok || remoteSize != size {
			uploads = append(uploads, key)
		}
	}
	for key := range remote {
		if _, ok := local[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	sort.Strings(uploads)
	sort.Strings(deletes)
	return uploads, deletes
}
