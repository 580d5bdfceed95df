package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/model"
)

// S3API is the subset of the S3 client used by S3BlobStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds blob bucket settings.
type S3Config struct {
	Bucket    string
	Region    string
	KeyPrefix string
}

// S3BlobStore keeps each transport blob as one CBOR object.
type S3BlobStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3BlobStore loads the default AWS configuration and creates a blob store.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3BlobStoreWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3BlobStoreWithClient wraps an existing client.
func NewS3BlobStoreWithClient(client S3API, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3BlobStore) objectKey(messageID string) string {
	return s.prefix + messageID
}

func (s *S3BlobStore) PutBlob(ctx context.Context, blob *model.TransportBlob) error {
	data, err := model.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	key := s.objectKey(blob.MessageID)
	log.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("S3 PUT")

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: S3 PutObject: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *S3BlobStore) GetBlob(ctx context.Context, messageID string) (*model.TransportBlob, error) {
	key := s.objectKey(messageID)
	log.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Msg("S3 GET")

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("%w: S3 GetObject: %v", ErrUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read S3 object: %v", ErrUnavailable, err)
	}

	var blob model.TransportBlob
	if err := model.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	return &blob, nil
}
