package fileeditor

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
)

// S3Store is the production ObjectStore over a versioned S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3Option configures the S3 client construction.
type S3Option func(*s3.Options)

// WithEndpoint targets an S3-compatible endpoint (MinIO, Ceph) with
// path-style addressing.
func WithEndpoint(url string) S3Option {
	return func(o *s3.Options) {
		o.BaseEndpoint = aws.String(url)
		o.UsePathStyle = true
	}
}

// NewS3Store builds the store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, bucket string, opts ...S3Option) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		for _, opt := range opts {
			opt(o)
		}
	})
	return &S3Store{client: client, bucket: bucket}, nil
}

// NewS3StoreWithClient wraps an existing client, for tests against fakes.
func NewS3StoreWithClient(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, []string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(maxKeys)),
	})
	if err != nil {
		return nil, nil, classifyS3(err, prefix)
	}
	objects := make([]ObjectInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		objects = append(objects, ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         aws.ToString(obj.ETag),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	prefixes := make([]string, 0, len(out.CommonPrefixes))
	for _, p := range out.CommonPrefixes {
		prefixes = append(prefixes, aws.ToString(p.Prefix))
	}
	return objects, prefixes, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	return s.get(ctx, key, "")
}

func (s *S3Store) GetVersion(ctx context.Context, key, versionID string) (*Object, error) {
	return s.get(ctx, key, versionID)
}

func (s *S3Store) get(ctx context.Context, key, versionID string) (*Object, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		in.VersionId = aws.String(versionID)
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, classifyS3(err, key)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "failed to read object %q", key)
	}
	return &Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         int64(len(content)),
			ETag:         aws.ToString(out.ETag),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		VersionID:   aws.ToString(out.VersionId),
		Content:     content,
	}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err, key)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, content []byte, contentType string) (*PutResult, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return nil, classifyS3(err, key)
	}
	return &PutResult{
		ETag:      aws.ToString(out.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (string, error) {
	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classifyS3(err, key)
	}
	return aws.ToString(out.VersionId), nil
}

func (s *S3Store) Versions(ctx context.Context, key string) ([]Version, error) {
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err, key)
	}
	var versions []Version
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != key {
			continue
		}
		versions = append(versions, Version{
			VersionID:    aws.ToString(v.VersionId),
			ETag:         aws.ToString(v.ETag),
			Size:         aws.ToInt64(v.Size),
			LastModified: aws.ToTime(v.LastModified),
			IsLatest:     aws.ToBool(v.IsLatest),
		})
	}
	for _, m := range out.DeleteMarkers {
		if aws.ToString(m.Key) != key {
			continue
		}
		versions = append(versions, Version{
			VersionID:    aws.ToString(m.VersionId),
			LastModified: aws.ToTime(m.LastModified),
			IsLatest:     aws.ToBool(m.IsLatest),
			DeleteMarker: true,
		})
	}
	sortVersions(versions)
	return versions, nil
}

func classifyS3(err error, key string) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return envelope.NotFound("object %q does not exist", key).WithField("path", key)
	}
	return envelope.Wrap(envelope.KindRemote, err, "object store request for %q failed", key)
}
