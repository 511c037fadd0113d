package mirror

import (
	"context"
	"encoding/base64"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// UploadToGCS uploads obj to accessInfo["bucket"] using the service account
// key in accessInfo["credentialsJSON"], raw or base64.
func UploadToGCS(ctx context.Context, accessInfo map[string]string, obj Object) error {
	if err := requireKeys(accessInfo, "credentialsJSON", "bucket"); err != nil {
		return err
	}
	credentialsJSON, err := base64.StdEncoding.DecodeString(accessInfo["credentialsJSON"])
	if err != nil {
		credentialsJSON = []byte(accessInfo["credentialsJSON"])
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return fmt.Errorf("storage.NewClient: %w", err)
	}
	defer client.Close()

	bucket := accessInfo["bucket"]
	wc := client.Bucket(bucket).Object(obj.Name).NewWriter(ctx)
	wc.ContentType = obj.ContentType
	if _, err := wc.Write(obj.Data); err != nil {
		wc.Close()
		return fmt.Errorf("Writer.Write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	log.Debugf("uploaded %s to gcs bucket %s", obj.Name, bucket)
	return nil
}
