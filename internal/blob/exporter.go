// Package blob exports a finished work order's deliverables to S3-compatible
// object storage.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// DefaultBucket is used when Config.Bucket is empty.
const DefaultBucket = "tbwo-deliverables"

// Exporter uploads the deliverables of one work order.
type Exporter interface {
	Export(ctx context.Context, workOrderID string, items []domain.Artifact) (Manifest, error)
}

// Config locates the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object is one uploaded artifact.
type Object struct {
	Key        string `json:"key"`
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	Version    int    `json:"version"`
	CreatedBy  string `json:"created_by"`
	Size       int    `json:"size"`
}

// Manifest lists what an export wrote. It is uploaded next to the objects
// as manifest.json.
type Manifest struct {
	WorkOrderID string    `json:"work_order_id"`
	Location    string    `json:"location"`
	Objects     []Object  `json:"objects"`
	ExportedAt  time.Time `json:"exported_at"`
}

// objectStore is the subset of *minio.Client the exporter uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO writes deliverables under <bucket>/<work order id>/.
type MinIO struct {
	client objectStore
	bucket string
	logger *slog.Logger
	now    func() time.Time

	ensureMu sync.Mutex
	ensured  bool
}

// Option configures a MinIO exporter.
type Option func(*MinIO)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *MinIO) { m.logger = l }
}

// NewMinIO connects to the object store described by cfg. The bucket is
// created lazily on the first export.
func NewMinIO(cfg Config, opts ...Option) (*MinIO, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newMinIO(client, cfg.Bucket, opts...), nil
}

func newMinIO(client objectStore, bucket string, opts ...Option) *MinIO {
	if strings.TrimSpace(bucket) == "" {
		bucket = DefaultBucket
	}
	m := &MinIO{client: client, bucket: bucket, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Export uploads items and then the manifest. Items should be the latest
// version of each path; an export never deletes objects.
func (m *MinIO) Export(ctx context.Context, workOrderID string, items []domain.Artifact) (Manifest, error) {
	man, err := m.export(ctx, workOrderID, items)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.DeliverablesExported.WithLabelValues(outcome).Inc()
	return man, err
}

func (m *MinIO) export(ctx context.Context, workOrderID string, items []domain.Artifact) (Manifest, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return Manifest{}, err
	}

	man := Manifest{
		WorkOrderID: workOrderID,
		Location:    fmt.Sprintf("s3://%s/%s/", m.bucket, workOrderID),
		ExportedAt:  m.now().UTC(),
	}
	for _, a := range items {
		key := ObjectKey(workOrderID, a)
		_, err := m.client.PutObject(ctx, m.bucket, key, strings.NewReader(a.Content), int64(len(a.Content)), minio.PutObjectOptions{
			ContentType: contentType(a),
			UserMetadata: map[string]string{
				"artifact-id": a.ID,
				"created-by":  a.CreatedBy,
				"version":     fmt.Sprint(a.Version),
			},
		})
		if err != nil {
			return man, fmt.Errorf("upload %s: %w", key, err)
		}
		man.Objects = append(man.Objects, Object{
			Key:        key,
			ArtifactID: a.ID,
			Path:       a.Key(),
			Version:    a.Version,
			CreatedBy:  a.CreatedBy,
			Size:       a.Size(),
		})
	}

	body, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return man, fmt.Errorf("marshal manifest: %w", err)
	}
	key := workOrderID + "/manifest.json"
	if _, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return man, fmt.Errorf("upload %s: %w", key, err)
	}

	m.logger.Info("deliverables exported",
		slog.String("work_order_id", workOrderID),
		slog.String("location", man.Location),
		slog.Int("objects", len(man.Objects)),
	)
	return man, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()
	if m.ensured {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
	}
	m.ensured = true
	return nil
}

// ObjectKey places an artifact under its work order prefix. Paths that would
// escape the prefix are replaced by the artifact ID.
func ObjectKey(workOrderID string, a domain.Artifact) string {
	p := path.Clean("/" + strings.ReplaceAll(a.Key(), "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." || strings.HasPrefix(a.Key(), "..") {
		p = "artifacts/" + a.ID
	}
	return workOrderID + "/" + p
}

func contentType(a domain.Artifact) string {
	if ct := mime.TypeByExtension(path.Ext(a.Key())); ct != "" {
		return ct
	}
	if a.Type == domain.ArtifactData {
		return "application/octet-stream"
	}
	return "text/plain; charset=utf-8"
}
