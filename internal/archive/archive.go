// Package archive ships finalized sync runs to object storage for
// long-term reporting.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Archive stores finalized runs.
type Archive interface {
	Put(ctx context.Context, run *models.SyncRun) error
}

// Noop discards runs. Used when no bucket is configured.
type Noop struct{}

func (Noop) Put(context.Context, *models.SyncRun) error { return nil }

// Codec turns runs into compressed JSON and back. Safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

func (c *Codec) Encode(run *models.SyncRun) ([]byte, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func (c *Codec) Decode(b []byte) (*models.SyncRun, error) {
	raw, err := c.decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	var run models.SyncRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Key is the object key of run: runs/{user}/{yyyy}/{mm}/{dd}/{run_id}.json.zst,
// dated by the run start in UTC.
func Key(run *models.SyncRun) string {
	d := run.StartedAt.UTC()
	return fmt.Sprintf("runs/%s/%04d/%02d/%02d/%s.json.zst",
		url.PathEscape(run.UserID), d.Year(), int(d.Month()), d.Day(), url.PathEscape(run.ID))
}

// S3Config locates the bucket. BaseEndpoint is set for S3-compatible
// stores such as MinIO.
type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes runs to an S3 bucket.
type S3 struct {
	client putter
	bucket string
	codec  *Codec
}

// NewS3 builds an S3 client from cfg. Static credentials are used when
// given, the default AWS chain otherwise.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket)
}

func newS3(client putter, bucket string) (*S3, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: bucket, codec: codec}, nil
}

// Put uploads an already finalized run.
func (a *S3) Put(ctx context.Context, run *models.SyncRun) error {
	if !run.Finished() {
		return fmt.Errorf("archive: run %s is not finalized", run.ID)
	}

	body, err := a.codec.Encode(run)
	if err != nil {
		return fmt.Errorf("archive: encode run %s: %w", run.ID, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(Key(run)),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return fmt.Errorf("archive: put run %s: %w", run.ID, err)
	}
	return nil
}
