package exports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3Delivery handles CSV uploads to an S3-compatible object store and
// signed URL generation.
type S3Delivery struct {
	client       *s3.Client
	bucket       string
	region       string
	signedURLTTL time.Duration
	logger       *zap.Logger
}

// NewS3Delivery creates a new object-storage delivery adapter.
func NewS3Delivery(endpoint, accessKey, secretKey, bucket, region string, signedURLTTL time.Duration, logger *zap.Logger) (*S3Delivery, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &S3Delivery{client: client, bucket: bucket, region: region, signedURLTTL: signedURLTTL, logger: logger}, nil
}

// UploadCSV uploads CSV data and returns a signed URL and checksum.
func (s *S3Delivery) UploadCSV(ctx context.Context, orgID string, jobID uuid.UUID, csvData []byte) (string, string, error) {
	hash := sha256.Sum256(csvData)
	checksum := hex.EncodeToString(hash[:])

	key := fmt.Sprintf("exports/%s/%s.csv", orgID, jobID.String())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(csvData),
		ContentType:   aws.String("text/csv"),
		ContentLength: aws.Int64(int64(len(csvData))),
		Metadata: map[string]string{
			"checksum": checksum,
			"org-id":   orgID,
			"job-id":   jobID.String(),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("upload CSV to object storage: %w", err)
	}

	signedURL, err := s.GenerateSignedURL(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("generate signed URL: %w", err)
	}

	return signedURL, checksum, nil
}

// GenerateSignedURL returns a time-limited GET URL for the given object key.
func (s *S3Delivery) GenerateSignedURL(ctx context.Context, key string) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.signedURLTTL))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return req.URL, nil
}
