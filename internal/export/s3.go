package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3-compatible providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// Uploader copies a finished backup to off-site storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// S3Config holds the bucket that receives backup copies.
type S3Config struct {
	Provider     string // aws (default), minio or r2
	Bucket       string
	Region       string
	Endpoint     string // Required for minio
	AccountID    string // Required for r2
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
}

// resolve fills provider defaults: MinIO needs path-style URLs and a scheme,
// R2 derives its endpoint from the account id and uses region "auto".
func (c S3Config) resolve() (S3Config, error) {
	if c.Bucket == "" {
		return c, errors.New("bucket is required")
	}
	switch strings.ToLower(c.Provider) {
	case "", ProviderAWS:
		c.Provider = ProviderAWS
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	case ProviderMinIO:
		c.Provider = ProviderMinIO
		if c.Endpoint == "" {
			return c, errors.New("endpoint is required for minio")
		}
		if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
			c.Endpoint = "https://" + c.Endpoint
		}
		c.Endpoint = strings.TrimSuffix(c.Endpoint, "/")
		c.UsePathStyle = true
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	case ProviderR2:
		c.Provider = ProviderR2
		if c.Endpoint == "" {
			if c.AccountID == "" {
				return c, errors.New("accountId or endpoint is required for r2")
			}
			c.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
		}
		c.Region = "auto"
	default:
		return c, fmt.Errorf("unknown s3 provider %q", c.Provider)
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	return c, nil
}

// S3Uploader puts backups into an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	config S3Config
}

// NewS3Uploader creates an uploader. Static keys are optional; without them
// the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Uploader{client: client, config: cfg}, nil
}

// Key returns the object key for a backup file name.
func (u *S3Uploader) Key(name string) string {
	return u.config.Prefix + name
}

// Upload stores data under the prefixed key.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.config.Bucket),
		Key:           aws.String(u.Key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", u.config.Bucket, u.Key(key), err)
	}
	return nil
}
