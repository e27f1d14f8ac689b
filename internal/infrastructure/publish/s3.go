package publish

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/davarch/archbuild/internal/domain"
	"go.uber.org/zap"
)

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 uploads artifacts to <bucket>/<prefix>/<run-id>/<name>.
type S3 struct {
	log     *zap.Logger
	up      uploader
	bucket  string
	prefix  string
	backoff newBackOff
}

// NewS3 resolves credentials through the default AWS chain (env, shared
// config, instance role). A custom endpoint switches to path-style
// addressing for MinIO and similar servers.
func NewS3(ctx context.Context, l *zap.Logger, c S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		log:     l,
		up:      manager.NewUploader(client),
		bucket:  c.Bucket,
		prefix:  c.Prefix,
		backoff: defaultBackOff,
	}, nil
}

func (p *S3) Name() string { return "s3" }

func (p *S3) Publish(ctx context.Context, run *domain.PipelineRun, artifacts []domain.Artifact) error {
	for _, a := range artifacts {
		key := path.Join(p.prefix, run.ID, a.Name)

		err := retry(ctx, p.backoff, func() error {
			f, err := openArtifact(a)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			_, err = p.up.Upload(ctx, &s3.PutObjectInput{
				Bucket: aws.String(p.bucket),
				Key:    aws.String(key),
				Body:   f,
				Metadata: map[string]string{
					"sha256":   a.Checksum,
					"pipeline": run.Pipeline,
				},
			})
			if err != nil {
				p.log.Warn("s3 upload failed, retrying", zap.String("key", key), zap.Error(err))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("upload s3://%s/%s: %w", p.bucket, key, err)
		}
		p.log.Debug("uploaded", zap.String("bucket", p.bucket), zap.String("key", key))
	}
	return nil
}
