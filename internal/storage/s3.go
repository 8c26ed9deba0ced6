package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// S3Client is the narrow slice of the AWS SDK v2 S3 client this backend
// needs, grounded on the S3Client interface shape in
// gurre-ddb-pitr/aws/interfaces.go. Narrowing to an interface keeps the
// backend unit-testable against a fake.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3Client = (*s3.Client)(nil)

type S3Backend struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Backend builds an S3-backed Backend using the SDK's default
// credential chain (config.LoadDefaultConfig).
func NewS3Backend(ctx context.Context, bucket, prefix, region string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, mediaerr.Internal("load aws config", err)
	}
	return &S3Backend{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func NewS3BackendWithClient(client S3Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Backend) key(path string) string {
	p := strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func (s *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, mediaerr.Internal("head object failed", err)
	}
	return true, nil
}

func (s *S3Backend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		if isNotFound(err) {
			return nil, mediaerr.NotFound("path not found: " + path)
		}
		return nil, mediaerr.Internal("get object failed", err)
	}
	return out.Body, nil
}

// WriteStream issues a single PutObject call: multipart upload is not
// required by spec.md §4.1 for this backend.
func (s *S3Backend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   counter,
	})
	if err != nil {
		return 0, mediaerr.Internal("put object failed", err)
	}
	return counter.n, nil
}

func (s *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		return mediaerr.Internal("delete object failed", err)
	}
	return nil
}

// List paginates internally via ListObjectsV2's continuation token and
// returns names relative to the configured prefix.
func (s *S3Backend) List(ctx context.Context, prefix string, recursive bool) ([]Info, error) {
	var out []Info
	fullPrefix := s.key(prefix)
	var token *string
	delimiter := "/"
	if recursive {
		delimiter = ""
	}
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
			Delimiter:         aws.String(delimiter),
		})
		if err != nil {
			return nil, mediaerr.Internal("list objects failed", err)
		}
		for _, obj := range resp.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+"/")
			out = append(out, Info{Path: rel, Size: aws.ToInt64(obj.Size), ModTime: aws.ToTime(obj.LastModified)})
		}
		for _, cp := range resp.CommonPrefixes {
			rel := strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix+"/")
			out = append(out, Info{Path: rel, IsDir: true})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// EnsureDir is a no-op for object stores: there is no directory concept,
// prefixes exist implicitly.
func (s *S3Backend) EnsureDir(ctx context.Context, path string) error { return nil }

func (s *S3Backend) Stat(ctx context.Context, path string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		if isNotFound(err) {
			return Info{}, mediaerr.NotFound("path not found: " + path)
		}
		return Info{}, mediaerr.Internal("head object failed", err)
	}
	return Info{Path: path, Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}, nil
}

func (s *S3Backend) Status(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(s.prefix), MaxKeys: aws.Int32(1)})
	return err
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
