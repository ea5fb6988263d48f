package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
)

var _ adapter.BlobStore = (*S3Store)(nil)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// PresignFunc produces a time-limited GET URL for an object.
type PresignFunc func(ctx context.Context, in *s3.GetObjectInput, ttl time.Duration) (string, error)

// S3Store keeps objects of one bucket.
type S3Store struct {
	api     S3API
	presign PresignFunc
	bucket  string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	pc := s3.NewPresignClient(client)
	return &S3Store{
		api:    client,
		bucket: bucket,
		presign: func(ctx context.Context, in *s3.GetObjectInput, ttl time.Duration) (string, error) {
			req, err := pc.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
			if err != nil {
				return "", err
			}
			return req.URL, nil
		},
	}
}

// NewS3StoreWithAPI wires a store from an API and presign seam.
func NewS3StoreWithAPI(api S3API, presign PresignFunc, bucket string) *S3Store {
	return &S3Store{api: api, presign: presign, bucket: bucket}
}

// NewS3Client loads the default AWS credential chain for region. A non-empty
// endpoint targets an S3-compatible service with path-style addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]model.TemplateRef, error) {
	var out []model.TemplateRef
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			out = append(out, model.TemplateRef{
				Name:         model.TemplateName(key),
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url, err := s.presign(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, ttl)
	if err != nil {
		return "", fmt.Errorf("s3 presign %s/%s: %w", s.bucket, key, err)
	}
	return url, nil
}
