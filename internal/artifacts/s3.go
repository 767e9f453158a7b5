package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"buildforge/internal/jobs"
	"buildforge/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config locates the artifact bucket
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // S3-compatible endpoint, empty for AWS
	Prefix   string

	// Static credentials; the default AWS chain is used when empty
	AccessKeyID     string
	SecretAccessKey string

	URLTTL time.Duration
}

// S3Packager uploads artifact bundles to S3 and hands out presigned
// download URLs.
type S3Packager struct {
	cfg       S3Config
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	now       func() time.Time
}

// NewS3Packager loads AWS configuration and connects to the bucket
func NewS3Packager(ctx context.Context, cfg S3Config) (*S3Packager, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "artifacts"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 24 * time.Hour
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	return &S3Packager{
		cfg:       cfg,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		now:       time.Now,
	}, nil
}

// Key is the object key of a job's bundle
func (p *S3Packager) Key(jobID string) string {
	return p.cfg.Prefix + "/" + jobID + ".zip"
}

// Package implements executor.Packager
func (p *S3Packager) Package(ctx context.Context, job *jobs.Job, art *jobs.Artifact) (string, error) {
	data, err := Bundle(art, p.now())
	if err != nil {
		return "", err
	}

	key := p.Key(job.ID)
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
		Metadata: map[string]string{
			"job-id":     job.ID,
			"project-id": fmt.Sprint(job.ProjectID),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.cfg.URLTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign artifact URL: %w", err)
	}

	logging.ForJob(job.ID).Info("artifact uploaded",
		zap.String("bucket", p.cfg.Bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return req.URL, nil
}
