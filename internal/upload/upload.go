// Package upload stores the encoded video in S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/simpipe/simpipe/internal/util"
)

// uploadTimeout bounds a single video upload.
const uploadTimeout = 5 * time.Minute

// Config holds S3 connection settings.
type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured reports whether uploads are enabled.
func (c *Config) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// objectPutter is the subset of the S3 client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader puts files into a bucket.
type Uploader struct {
	client objectPutter
	bucket string
	prefix string
}

// New returns an Uploader for cfg.
func New(cfg *Config) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, errors.New("S3 is not configured")
	}
	return &Uploader{
		client: newClient(cfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// newClient creates an S3 client with static credentials.
// A custom endpoint switches to path-style addressing for S3-compatible stores.
func newClient(cfg *Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// Key returns the object key for file in run runID.
func (u *Uploader) Key(runID, file string) string {
	return path.Join(u.prefix, runID, filepath.Base(file))
}

// Upload stores the file at localPath and returns its object key.
func (u *Uploader) Upload(ctx context.Context, runID, localPath string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return "", util.WrapError("open file for upload", err)
	}
	defer util.SafeCloseFunc(f, "upload source")()

	info, err := f.Stat()
	if err != nil {
		return "", util.WrapError("stat file for upload", err)
	}

	key := u.Key(runID, localPath)
	start := time.Now()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	slog.Info("upload completed", "bucket", u.bucket, "s3_key", key, "size", util.FormatMegabytes(info.Size()), "took", time.Since(start).Round(time.Millisecond))
	return key, nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
