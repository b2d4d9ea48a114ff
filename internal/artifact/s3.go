package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var _ Store = (*S3Store)(nil)

// S3Store stores artifacts in an S3 bucket under {owner_id}/{logical_key}.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	region  string
}

// NewS3Store creates an S3-backed artifact store using the default AWS
// credential chain.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		region:  region,
	}, nil
}

// Put uploads one artifact and returns its object URL.
func (s *S3Store) Put(ctx context.Context, ownerID, logicalKey string, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%s", ownerID, logicalKey)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classifyS3Error(err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// SignURL presigns a GET for a private object path.
func (s *S3Store) SignURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classifyS3Error(err)
	}
	return req.URL, nil
}

// classifyS3Error maps AWS API error codes to the storage error taxonomy.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &Error{Kind: KindPermissionDenied, Message: apiErr.ErrorMessage()}
		case "EntityTooLarge", "QuotaExceeded", "ServiceQuotaExceededException":
			return &Error{Kind: KindQuotaExceeded, Message: apiErr.ErrorMessage()}
		}
	}
	return &Error{Kind: KindNetwork, Message: err.Error()}
}
