// Package storage is the object-storage client HLS egress uploads through.
// It speaks the S3 API against Cloudflare R2 using AWS SDK v2.
package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStorage handles segment and playlist uploads.
type ObjectStorage struct {
	client       *s3.Client
	bucket       string
	accountID    string
	customDomain string
}

// New creates an object-storage client for the given R2 account and bucket.
func New(accountID, accessKeyID, secretAccessKey, bucket, customDomain string) (*ObjectStorage, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("object storage configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  creds,
		BaseEndpoint: aws.String(endpoint),
	})

	return &ObjectStorage{
		client:       client,
		bucket:       bucket,
		accountID:    accountID,
		customDomain: customDomain,
	}, nil
}

// PutFile uploads one local file under the given key with an explicit
// content type.
func (o *ObjectStorage) PutFile(ctx context.Context, localPath, objectKey, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	return nil
}

// PublicBaseURL is the prefix uploaded objects are reachable under:
// the custom domain when configured, the R2 endpoint otherwise.
func (o *ObjectStorage) PublicBaseURL() string {
	if o.customDomain != "" {
		return "https://" + o.customDomain
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", o.accountID, o.bucket)
}

// DeleteObject removes an object (operator tooling; the steady-state
// retention policy lives on the bucket).
func (o *ObjectStorage) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", objectKey, err)
	}
	return nil
}
