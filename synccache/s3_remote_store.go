package synccache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3RemoteStore implements RemoteStore on an S3 bucket. One blob maps to one
// object; S3's replication model matches the contract (eventually consistent
// propagation, idempotent per-key writes, no locking).
type S3RemoteStore struct {
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucketName string
	keyPrefix  string
}

// NewS3RemoteStore creates a new S3-backed remote store. keyPrefix namespaces
// the blobs within the bucket and may be empty.
func NewS3RemoteStore(region, bucketName, keyPrefix string) (*S3RemoteStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &S3RemoteStore{
		s3Client:   s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucketName: bucketName,
		keyPrefix:  keyPrefix,
	}, nil
}

// Exists reports whether an object is stored for key.
func (s *S3RemoteStore) Exists(ctx context.Context, key Key) (bool, error) {
	_, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head blob: %v", err)
	}
	return true, nil
}

// Read downloads the blob stored for key.
func (s *S3RemoteStore) Read(ctx context.Context, key Key) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %v", err)
	}
	return buf.Bytes(), nil
}

// Write uploads payload, replacing any previous object for key.
func (s *S3RemoteStore) Write(ctx context.Context, key Key, payload []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %v", err)
	}
	return nil
}

// Delete removes the object for key. S3 delete of a missing key succeeds.
func (s *S3RemoteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %v", err)
	}
	return nil
}

func (s *S3RemoteStore) objectKey(key Key) string {
	if s.keyPrefix == "" {
		return string(key)
	}
	return fmt.Sprintf("%s/%s", s.keyPrefix, key)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
