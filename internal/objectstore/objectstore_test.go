package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects  map[string]int64
	deleted  []string
	uploaded map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]int64{}, uploaded: map[string][]byte{}}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key, size := range f.objects {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(size),
		})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *in.Key)
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded[*in.Key] = data
	f.objects[*in.Key] = int64(len(data))
	return &manager.UploadOutput{}, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestPlan(t *testing.T) {
	local := map[string]int64{
		"hourly/a": 10,
		"hourly/b": 20,
		"daily/c":  30,
	}
	remote := map[string]int64{
		"hourly/a": 10, // unchanged
		"hourly/b": 99, // size differs, reupload
		"weekly/d": 40, // pruned locally, delete
	}

	uploads, deletes := Plan(local, remote)
	assert.Equal(t, []string{"daily/c", "hourly/b"}, uploads)
	assert.Equal(t, []string{"weekly/d"}, deletes)
}

func TestPlan_Empty(t *testing.T) {
	uploads, deletes := Plan(nil, nil)
	assert.Empty(t, uploads)
	assert.Empty(t, deletes)
}

func TestLocalKeys(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"hourly/backup-2021-01-01T00:00:00Z-dumpall.sql.gz": "aaaa",
		"daily/backup-2021-01-01T00:00:00Z-dumpall.sql.gz":  "bb",
	})

	keys, err := localKeys(root)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"hourly/backup-2021-01-01T00:00:00Z-dumpall.sql.gz": 4,
		"daily/backup-2021-01-01T00:00:00Z-dumpall.sql.gz":  2,
	}, keys)
}

func TestSync_UploadsAndDeletes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"hourly/new": "fresh content",
		"hourly/old": "same",
	})

	fake := newFakeS3()
	fake.objects["hourly/old"] = 4
	fake.objects["hourly/expired"] = 100

	m := &Mirror{client: fake, uploader: fake, bucket: "backups"}
	require.NoError(t, m.Sync(context.Background(), root))

	assert.Equal(t, []byte("fresh content"), fake.uploaded["hourly/new"])
	assert.NotContains(t, fake.uploaded, "hourly/old", "unchanged objects are not reuploaded")
	assert.Equal(t, []string{"hourly/expired"}, fake.deleted)
}

func TestSync_PrefixedKeys(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"hourly/a": "data"})

	fake := newFakeS3()
	fake.objects["cluster-1/hourly/stale"] = 5

	m := &Mirror{client: fake, uploader: fake, bucket: "backups", prefix: "cluster-1"}
	require.NoError(t, m.Sync(context.Background(), root))

	assert.Contains(t, fake.uploaded, "cluster-1/hourly/a")
	assert.Equal(t, []string{"cluster-1/hourly/stale"}, fake.deleted)
}
