package mirror

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// UploadToMinio uploads obj to a MinIO (or other S3-compatible) server.
// accessInfo: endpoint, accessKey, secretKey, bucket; optionally useSSL
// ("true") and location, in which the bucket is created when missing.
func UploadToMinio(ctx context.Context, accessInfo map[string]string, obj Object) error {
	if err := requireKeys(accessInfo, "endpoint", "accessKey", "secretKey", "bucket"); err != nil {
		return err
	}
	client, err := minio.New(accessInfo["endpoint"], &minio.Options{
		Creds:  miniocreds.NewStaticV4(accessInfo["accessKey"], accessInfo["secretKey"], ""),
		Secure: accessInfo["useSSL"] == "true",
	})
	if err != nil {
		return fmt.Errorf("minio client: %w", err)
	}

	bucket := accessInfo["bucket"]
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: accessInfo["location"]}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	_, err = client.PutObject(ctx, bucket, obj.Name, bytes.NewReader(obj.Data), int64(len(obj.Data)),
		minio.PutObjectOptions{ContentType: obj.ContentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", obj.Name, err)
	}
	log.Debugf("uploaded %s to minio bucket %s", obj.Name, bucket)
	return nil
}
