package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// s3 accepts at most this many keys per DeleteObjects call
const maxDeleteBatch = 1000

// S3BlobStore implements the BlobStore interface using AWS S3 or any
// S3-compatible endpoint
type S3BlobStore struct {
	s3Client      *s3.S3
	bucketName    string
	publicBaseURL string
}

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(cfg BlobConfig) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	// Check if the bucket name contains placeholders
	if strings.Contains(cfg.Bucket, "[") || strings.Contains(cfg.Bucket, "]") {
		return nil, fmt.Errorf("S3 bucket name contains placeholders: %s", cfg.Bucket)
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3BlobStore{
		s3Client:      s3.New(sess),
		bucketName:    cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Put uploads a blob to S3 without overwriting an existing object
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (*BlobObject, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}, request.WithSetRequestHeaders(map[string]string{"If-None-Match": "*"}))
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, fmt.Errorf("failed to upload blob %s: %w", key, ErrBlobExists)
		}
		return nil, fmt.Errorf("failed to upload blob %s: %w", key, err)
	}

	publicURL, err := s.publicURL(key)
	if err != nil {
		return nil, err
	}

	return &BlobObject{Key: key, PublicURL: publicURL}, nil
}

// List returns all blob keys in the bucket
func (s *S3BlobStore) List(ctx context.Context) ([]string, error) {
	var blobKeys []string
	err := s.s3Client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			blobKeys = append(blobKeys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	return blobKeys, nil
}

// Remove deletes blobs from S3 in batches
func (s *S3BlobStore) Remove(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}

		output, err := s.s3Client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &s3.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete blobs: %w", err)
		}
		if len(output.Errors) > 0 {
			first := output.Errors[0]
			return fmt.Errorf("failed to delete blob %s: %s: %s",
				aws.StringValue(first.Key), aws.StringValue(first.Code), aws.StringValue(first.Message))
		}
	}

	return nil
}

// SignedURL presigns a GET for the blob
func (s *S3BlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)

	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to sign url for blob %s: %w", key, err)
	}

	return url, nil
}

// publicURL is the unsigned object URL, or the configured public base URL
// joined with the key
func (s *S3BlobStore) publicURL(key string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key, nil
	}

	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err := req.Build(); err != nil {
		return "", fmt.Errorf("failed to build public url for blob %s: %w", key, err)
	}

	return req.HTTPRequest.URL.String(), nil
}

func isPreconditionFailed(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() == http.StatusPreconditionFailed ||
			reqErr.StatusCode() == http.StatusConflict
	}
	return false
}
