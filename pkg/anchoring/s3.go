package anchoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/passportd/passportd/pkg/engine"
)

// S3Config holds S3-compatible bucket settings.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string // optional; enables a custom endpoint such as MinIO
	AccessKeyID     string // optional; falls back to the default credentials chain
	SecretAccessKey string
	PathStyle       bool
}

// S3ContentStore stores documents under their SHA-256 digest.
type S3ContentStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ContentStore creates a content store from cfg.
func NewS3ContentStore(ctx context.Context, cfg S3Config) (*S3ContentStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3ContentStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3ContentStore) key(contentID string) string {
	if s.prefix == "" {
		return contentID
	}
	return s.prefix + "/" + contentID
}

// Upload writes data unless an object with the same digest already exists.
func (s *S3ContentStore) Upload(ctx context.Context, data []byte, metadata map[string]string) (engine.ContentRef, error) {
	sum := sha256.Sum256(data)
	contentID := hex.EncodeToString(sum[:])
	key := s.key(contentID)
	ref := engine.ContentRef{
		ContentID: contentID,
		Link:      fmt.Sprintf("s3://%s/%s", s.bucket, key),
	}

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return ref, nil
	}

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return engine.ContentRef{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return ref, nil
}
