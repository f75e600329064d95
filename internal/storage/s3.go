// Package storage persists rendered artifacts (split audio tracks, finished
// videos) to object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"callreel/internal/config"
)

// Uploader is the slice of object storage the recording and render stages
// need.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (url string, err error)
}

// s3API is the minimal S3 interface required by Client. Defined here for
// testability.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads objects to a single bucket under an optional key prefix.
type Client struct {
	api    s3API
	bucket string
	region string
	prefix string
}

func New(api s3API, cfg config.S3Config) (*Client, error) {
	if api == nil {
		return nil, errors.New("storage: api must not be nil")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: bucket must not be empty")
	}
	return &Client{
		api:    api,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

// Open builds a Client from ambient AWS credentials.
func Open(ctx context.Context, cfg config.S3Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return New(s3.NewFromConfig(awsCfg), cfg)
}

// Upload stores body under the client's prefix and returns the object's
// public URL.
func (c *Client) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if key == "" {
		return "", errors.New("storage: key must not be empty")
	}
	if len(body) == 0 {
		return "", errors.New("storage: body must not be empty")
	}

	fullKey := key
	if c.prefix != "" {
		fullKey = path.Join(c.prefix, key)
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", fullKey, err)
	}
	return c.URLFor(fullKey), nil
}

// URLFor returns the public URL for an already-prefixed object key.
func (c *Client) URLFor(fullKey string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, fullKey)
}
