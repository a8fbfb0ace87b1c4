package kss

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/grocify-tech/grocify/core/logger"
)

// S3 is the AWS S3 implementation of the KSS driver
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver
func NewS3(kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(kssConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS S3 enabled")
	return &S3{config: cfg, bucket: kssConfig.AWSBucketName, baseKeyName: kssConfig.KeyPrefix}, nil
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given
// method until the expiry duration has passed. The key must be a valid file name.
func (s S3) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))

	switch method {
	case Get:
		resp, err := client.PresignGetObject(context.TODO(), &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
		if err != nil {
			return "", err
		}
		return resp.URL, nil
	case Put:
		resp, err := client.PresignPutObject(context.TODO(), &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
		if err != nil {
			return "", err
		}
		return resp.URL, nil
	}
	return "", fmt.Errorf("%s unsupported method to presign '%s'", method, s.baseKeyName+key)
}

// UploadData uploads data into a new key object.
func (s S3) UploadData(key string, data []byte) error {
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))
	_, err := uploader.Upload(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Delete deletes the object stored under key.
func (s S3) Delete(key string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.Default().Error("could not delete ", s.baseKeyName+key)
		return err
	}
	return nil
}

// DeleteAllWithPrefix deletes all objects whose key starts with prefix.
func (s S3) DeleteAllWithPrefix(prefix string) error {
	client := s3.NewFromConfig(s.config)
	keys, err := s.ListAllWithPrefix(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			logger.Default().Error("could not delete ", key)
			return err
		}
	}
	return nil
}

// ListAllWithPrefix lists all keys starting with prefix.
func (s S3) ListAllWithPrefix(prefix string) ([]string, error) {
	client := s3.NewFromConfig(s.config)

	var keys []string
	var continuationToken *string
	for {
		resp, err := client.ListObjectsV2(context.TODO(), &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.baseKeyName + prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			logger.Default().Error("could not list objects from ", s.bucket)
			return nil, err
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	return keys, nil
}
