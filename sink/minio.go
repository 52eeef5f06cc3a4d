package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/auterity/workflow-engine/config"
	"github.com/auterity/workflow-engine/executor"
)

// objectPutter is the subset of *minio.Client used by MinIOSink.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// bucketManager is the subset of *minio.Client used by EnsureBucket.
type bucketManager interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// MinIOSink writes each payload as a JSON object under <destination>/<ack id>.json.
type MinIOSink struct {
	client objectPutter
	bucket string
	logger *zap.Logger
}

// NewMinIOClient builds a MinIO client from cfg.
func NewMinIOClient(cfg config.MinIOConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	})
}

// NewMinIOSink creates a sink writing to bucket through client.
func NewMinIOSink(client *minio.Client, bucket string, logger *zap.Logger) *MinIOSink {
	return newMinIOSink(client, bucket, logger)
}

func newMinIOSink(client objectPutter, bucket string, logger *zap.Logger) *MinIOSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinIOSink{
		client: client,
		bucket: bucket,
		logger: logger.With(zap.String("component", "minio_sink")),
	}
}

// EnsureBucket creates bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client bucketManager, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// ObjectKey returns the object name used for a delivery.
func ObjectKey(destination, ackID string) string {
	destination = strings.Trim(path.Clean("/"+destination), "/")
	return path.Join(destination, ackID+".json")
}

// Deliver implements executor.Deliverer.
func (s *MinIOSink) Deliver(ctx context.Context, payload map[string]interface{}, destination string) (executor.Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return executor.Ack{}, fmt.Errorf("encode payload: %w", err)
	}

	ackID := uuid.NewString()
	key := ObjectKey(destination, ackID)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return executor.Ack{}, fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("payload delivered",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.String("etag", info.ETag),
		zap.Int("bytes", len(body)),
	)
	return executor.Ack{ID: ackID, Destination: destination}, nil
}
