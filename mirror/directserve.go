package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UploadToDirectServe writes obj below accessInfo["baseDir"], for a web server
// serving that directory directly.
func UploadToDirectServe(ctx context.Context, accessInfo map[string]string, obj Object) error {
	if err := requireKeys(accessInfo, "baseDir"); err != nil {
		return err
	}
	baseDir := filepath.Clean(accessInfo["baseDir"])
	fullPath := filepath.Join(baseDir, filepath.FromSlash(obj.Name))
	if !strings.HasPrefix(fullPath, baseDir+string(filepath.Separator)) {
		return fmt.Errorf("object %q escapes base directory", obj.Name)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(fullPath, obj.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", fullPath, err)
	}
	log.Debugf("saved %s to %s", obj.Name, fullPath)
	return nil
}
