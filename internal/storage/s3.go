package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"genstudio/internal/domain"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store streams provider output into a bucket:
//
//	s3://<bucket>/<prefix>/<uuid><ext>
type S3Store struct {
	bucket        string
	publicBaseURL string
	uploader      uploader
	fetch         fetcher
}

type S3Options struct {
	Bucket string
	// PublicBaseURL prefixes object keys in returned URLs. Defaults to the
	// virtual-hosted bucket URL.
	PublicBaseURL string
	HTTPClient    *http.Client
}

// NewS3Store loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, AWS_ACCESS_KEY_ID and friends).
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	base := opts.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, cfg.Region)
	}
	return newS3Store(manager.NewUploader(client), opts.Bucket, base, opts.HTTPClient), nil
}

func newS3Store(up uploader, bucket, publicBaseURL string, client *http.Client) *S3Store {
	return &S3Store{bucket: bucket, publicBaseURL: publicBaseURL, uploader: up, fetch: newFetcher(client, 0)}
}

func (s *S3Store) PersistRemoteURL(ctx context.Context, sourceURL, prefix string) (string, error) {
	body, contentType, err := s.fetch.open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	key := objectKey(prefix, contentType, sourceURL)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("%w: s3 upload: %v", domain.ErrStorageFailure, err)
	}
	return publicURL(s.publicBaseURL, key), nil
}

var _ Persister = (*S3Store)(nil)
