// Package mirror copies renditions written to the disk tier to external
// storage backends. Uploads are best effort: failures are logged and counted,
// never reported to the request that produced the rendition.
package mirror

import (
	"context"
	"fmt"
)

// Object is one rendition to upload. Name is relative to the target folder.
type Object struct {
	Name        string
	Data        []byte
	ContentType string
}

// UploadFunc writes obj using the backend-specific accessInfo.
type UploadFunc func(ctx context.Context, accessInfo map[string]string, obj Object) error

// Backends maps a target type to its uploader.
var Backends = map[string]UploadFunc{
	"directServe": UploadToDirectServe,
	"s3":          UploadToS3,
	"gcs":         UploadToGCS,
	"sftp":        UploadToSFTP,
	"minio":       UploadToMinio,
}

// Upload dispatches obj to the backend named by backendType.
func Upload(ctx context.Context, backends map[string]UploadFunc, backendType string, accessInfo map[string]string, obj Object) error {
	upload, ok := backends[backendType]
	if !ok {
		return fmt.Errorf("unknown backend type: %s", backendType)
	}
	if err := upload(ctx, accessInfo, obj); err != nil {
		return fmt.Errorf("failed to upload to %s: %w", backendType, err)
	}
	return nil
}

// requireKeys returns an error naming the first missing key.
func requireKeys(accessInfo map[string]string, keys ...string) error {
	for _, k := range keys {
		if accessInfo[k] == "" {
			return fmt.Errorf("missing required accessInfo key: %s", k)
		}
	}
	return nil
}
