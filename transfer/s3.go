package transfer

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// S3Config holds bucket settings. Endpoint is for S3-compatible services
// and switches the client to path-style addressing.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// PutObjectAPI is the part of *s3.Client that S3 uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads files to a bucket under <recipient>/<uuid>/<name>.
type S3 struct {
	client  PutObjectAPI
	bucket  string
	uploads string
}

func NewS3(ctx context.Context, cfg S3Config, uploads string) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
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
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, uploads), nil
}

func NewS3WithClient(client PutObjectAPI, bucket, uploads string) *S3 {
	return &S3{client: client, bucket: bucket, uploads: uploads}
}

func (s *S3) Send(ctx context.Context, from, to, filePath string) (string, error) {
	sub, err := userDir(to)
	if err != nil {
		return "", err
	}

	src, info, err := openSource(s.uploads, from, filePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(info.Name())
	key := path.Join(sub, uuid.New().String(), name)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          src,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"sender": from},
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", failed("upload s3://%s/%s: %v", s.bucket, key, err)
	}

	ref := "s3://" + s.bucket + "/" + key
	log.Info().
		Str("sender", from).
		Str("recipient", to).
		Str("ref", ref).
		Int64("bytes", info.Size()).
		Msg("File uploaded")
	return ref, nil
}
