package mirror

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// UploadToS3 uploads obj to accessInfo["bucket"] with static credentials.
// accessInfo: accessKey, secretKey, region, bucket; optionally endpoint.
func UploadToS3(ctx context.Context, accessInfo map[string]string, obj Object) error {
	if err := requireKeys(accessInfo, "accessKey", "secretKey", "region", "bucket"); err != nil {
		return err
	}
	opts := s3.Options{
		Region:      accessInfo["region"],
		Credentials: credentials.NewStaticCredentialsProvider(accessInfo["accessKey"], accessInfo["secretKey"], ""),
	}
	if endpoint := accessInfo["endpoint"]; endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	uploader := manager.NewUploader(s3.New(opts))
	bucket := accessInfo["bucket"]
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(obj.Name),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(obj.ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", obj.Name, bucket, err)
	}
	log.Debugf("uploaded %s to bucket %s", obj.Name, bucket)
	return nil
}
