// Package media stores uploaded images in S3-compatible storage and returns
// the metadata image blocks carry.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/util"
)

var (
	ErrTooLarge          = errors.New("media: upload too large")
	ErrUnsupportedFormat = errors.New("media: unsupported image format")
	ErrEmpty             = errors.New("media: empty upload")
)

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
}

// ObjectStore is the subset of the minio client used for uploads.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes object keys in returned image sources. Empty means
	// the bucket URL on Endpoint.
	PublicURL string
	MaxBytes  int64
	Logger    *zap.Logger
}

type Service struct {
	store     ObjectStore
	bucket    string
	publicURL string
	maxBytes  int64
	log       *zap.Logger
}

// Dial connects to the configured endpoint and makes sure the bucket exists.
func Dial(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("media: bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("media: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	if cfg.PublicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		cfg.PublicURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return New(client, cfg), nil
}

// New wraps an object store.
func New(store ObjectStore, cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Service{
		store:     store,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		maxBytes:  maxBytes,
		log:       log,
	}
}

// MaxBytes is the largest accepted upload.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// PutImage measures and stores an image. name is kept as the display name.
func (s *Service) PutImage(ctx context.Context, name string, data []byte) (blocks.Image, error) {
	if len(data) == 0 {
		return blocks.Image{}, ErrEmpty
	}
	if int64(len(data)) > s.maxBytes {
		return blocks.Image{}, ErrTooLarge
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return blocks.Image{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	contentType, ok := contentTypes[format]
	if !ok {
		return blocks.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	key := path.Join("images", util.NewID("img")+"."+extension(format))
	info, err := s.store.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return blocks.Image{}, fmt.Errorf("media: put %s: %w", key, err)
	}
	s.log.Info("media_image_stored",
		zap.String("key", key),
		zap.Int64("bytes", info.Size),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
	)
	return blocks.Image{
		Src:  s.publicURL + "/" + key,
		Name: name,
		Size: blocks.ImageSize{Width: cfg.Width, Height: cfg.Height},
	}, nil
}

func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
