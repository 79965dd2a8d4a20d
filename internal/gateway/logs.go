package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"foresta.dev/guardian/internal/store"
)

// MaxLogUpload bounds a single troubleshooting log upload.
const MaxLogUpload = 8 << 20

// LogSink stores log bundles uploaded by devices in troubleshooting.
type LogSink interface {
	StoreLogs(ctx context.Context, device *store.Device, body io.Reader, size int64) (string, error)
}

// ObjectLogSink writes uploaded logs to an S3-compatible bucket.
type ObjectLogSink struct {
	logger *slog.Logger
	client *minio.Client
	bucket string
	region string
	now    func() time.Time
	once   sync.Once
	err    error
}

// ObjectLogSinkConfig holds the configuration for the ObjectLogSink.
type ObjectLogSinkConfig struct {
	Logger    *slog.Logger
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// NewObjectLogSink creates a new ObjectLogSink. The bucket is created on first use.
func NewObjectLogSink(cfg *ObjectLogSinkConfig) (*ObjectLogSink, error) {
	if cfg == nil {
		return nil, errors.New("log sink config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, errors.New("object storage endpoint cannot be empty")
	}

	if cfg.Bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	return &ObjectLogSink{
		logger: cfg.Logger.With("component", "log_sink", "bucket", cfg.Bucket),
		client: client,
		bucket: cfg.Bucket,
		region: region,
		now:    time.Now,
	}, nil
}

func (s *ObjectLogSink) ensureBucket(ctx context.Context) error {
	s.once.Do(func() {
		err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			exists, existsErr := s.client.BucketExists(ctx, s.bucket)
			if existsErr != nil || !exists {
				s.err = fmt.Errorf("failed to create bucket: %w", err)
				return
			}
		}
		s.logger.Info("log bucket ready")
	})
	return s.err
}

// StoreLogs implements LogSink. Objects are keyed by hardware id and upload time.
func (s *ObjectLogSink) StoreLogs(ctx context.Context, device *store.Device, body io.Reader, size int64) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s/%s.log", device.HardwareID, s.now().UTC().Format("20060102T150405.000Z"))
	info, err := s.client.PutObject(ctx, s.bucket, name, body, size, minio.PutObjectOptions{
		ContentType: "text/plain",
		UserMetadata: map[string]string{
			"code-name": device.DisplayName(),
			"area-id":   device.AreaID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs: %w", err)
	}

	s.logger.Info("device logs stored", "object", name, "size", info.Size, "code_name", device.DisplayName())
	return name, nil
}

// MemoryLogSink keeps uploads in memory. It backs the gateway when no object
// storage is configured.
type MemoryLogSink struct {
	mu      sync.Mutex
	uploads map[string][]byte
	order   []string
	limit   int
	seq     int
}

// NewMemoryLogSink creates a sink holding at most limit uploads.
func NewMemoryLogSink(limit int) *MemoryLogSink {
	if limit <= 0 {
		limit = 64
	}
	return &MemoryLogSink{uploads: make(map[string][]byte), limit: limit}
}

// StoreLogs implements LogSink.
func (s *MemoryLogSink) StoreLogs(_ context.Context, device *store.Device, body io.Reader, _ int64) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	name := fmt.Sprintf("%s/%06d.log", device.HardwareID, s.seq)
	s.uploads[name] = buf.Bytes()
	s.order = append(s.order, name)
	if len(s.order) > s.limit {
		delete(s.uploads, s.order[0])
		s.order = s.order[1:]
	}
	return name, nil
}

// Uploads returns the stored uploads by object name.
func (s *MemoryLogSink) Uploads() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(s.uploads))
	for k, v := range s.uploads {
		out[k] = v
	}
	return out
}
