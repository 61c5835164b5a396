package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Provider implements Provider on Amazon S3 or any S3-compatible endpoint.
type S3Provider struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewS3Provider creates an S3-backed provider. An empty endpoint uses the
// default AWS resolution; a non-empty one targets S3-compatible stores.
func NewS3Provider(ctx context.Context, region, bucket, endpoint string) (*S3Provider, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}, nil
}

// Put implements Provider.
func (p *S3Provider) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put bucket=%s key=%s: %w", p.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

// Get implements Provider.
func (p *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get bucket=%s key=%s: %w", p.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read bucket=%s key=%s: %w", p.bucket, key, err)
	}
	return data, nil
}

// SignedURL implements Provider.
func (p *S3Provider) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(clampTTL(ttl)))
	if err != nil {
		return "", fmt.Errorf("s3 presign bucket=%s key=%s: %w", p.bucket, key, err)
	}
	return req.URL, nil
}
