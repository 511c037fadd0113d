package encoder

import (
	"context"

	"renditiond/models"
)

// EncodeAVIF encodes using ImageMagick's heif delegate.
func EncodeAVIF(ctx context.Context, in, out string, o EncodeOptions) error {
	return magickEncode(ctx, in, out, o, models.FormatAVIF)
}
