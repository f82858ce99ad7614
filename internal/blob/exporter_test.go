package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type putCall struct {
	bucket, key, contentType string
	body                     string
	meta                     map[string]string
}

type fakeStore struct {
	mu          sync.Mutex
	exists      bool
	existsCalls int
	made        []string
	puts        []putCall
	failKey     string
}

func (f *fakeStore) BucketExists(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	return f.exists, nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made = append(f.made, bucket)
	f.exists = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if key == f.failKey {
		return minio.UploadInfo{}, errors.New("connection reset")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, putCall{bucket: bucket, key: key, contentType: opts.ContentType, body: string(data), meta: opts.UserMetadata})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func deliverables() []domain.Artifact {
	return []domain.Artifact{
		{ID: "a2", Path: "site/index.html", Content: "<html>v2</html>", CreatedBy: "pod-frontend-1", Version: 2},
		{ID: "a3", Path: "reports/t1.md", Type: domain.ArtifactReport, Content: "done", CreatedBy: "pod-design-1", Version: 1},
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestExport_CreatesBucketOnceAndUploads(t *testing.T) {
	store := &fakeStore{}
	exp := newMinIO(store, "")
	exp.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	man, err := exp.Export(context.Background(), "wo-1", deliverables())
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultBucket}, store.made)
	assert.Equal(t, "s3://tbwo-deliverables/wo-1/", man.Location)
	require.Len(t, man.Objects, 2)
	assert.Equal(t, "wo-1/site/index.html", man.Objects[0].Key)
	assert.Equal(t, 2, man.Objects[0].Version)

	require.Len(t, store.puts, 3, "two artifacts and the manifest")
	assert.Equal(t, "<html>v2</html>", store.puts[0].body)
	assert.Contains(t, store.puts[0].contentType, "text/html")
	assert.Equal(t, "a2", store.puts[0].meta["artifact-id"])
	assert.Equal(t, "wo-1/manifest.json", store.puts[2].key)

	var decoded Manifest
	require.NoError(t, json.Unmarshal([]byte(store.puts[2].body), &decoded))
	assert.Equal(t, "wo-1", decoded.WorkOrderID)
	assert.Len(t, decoded.Objects, 2)

	_, err = exp.Export(context.Background(), "wo-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.existsCalls, "bucket is checked once per exporter")
}

func TestExport_ExistingBucketIsNotRecreated(t *testing.T) {
	store := &fakeStore{exists: true}
	_, err := newMinIO(store, "custom").Export(context.Background(), "wo-1", deliverables()[:1])
	require.NoError(t, err)
	assert.Empty(t, store.made)
	assert.Equal(t, "custom", store.puts[0].bucket)
}

func TestExport_UploadFailureStopsBeforeManifest(t *testing.T) {
	store := &fakeStore{exists: true, failKey: "wo-1/reports/t1.md"}
	man, err := newMinIO(store, "").Export(context.Background(), "wo-1", deliverables())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wo-1/reports/t1.md")
	assert.Len(t, man.Objects, 1)
	for _, p := range store.puts {
		assert.NotEqual(t, "wo-1/manifest.json", p.key)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		art  domain.Artifact
		want string
	}{
		{"nested path", domain.Artifact{Path: "site/css/main.css"}, "wo/site/css/main.css"},
		{"name only", domain.Artifact{Name: "brief.md"}, "wo/brief.md"},
		{"leading slash", domain.Artifact{Path: "/abs/file.txt"}, "wo/abs/file.txt"},
		{"dot segments", domain.Artifact{Path: "site/./a/../b.txt"}, "wo/site/b.txt"},
		{"escape", domain.Artifact{ID: "a9", Path: "../../etc/passwd"}, "wo/artifacts/a9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey("wo", tt.art))
		})
	}
}

func TestNewMinIO_RequiresEndpoint(t *testing.T) {
	_, err := NewMinIO(Config{})
	require.Error(t, err)
}
