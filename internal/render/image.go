package render

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var vipsOnce sync.Once

func ensureVips() {
	vipsOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{ConcurrencyLevel: 1})
	})
}

// resizeAndEncode re-encodes a screenshot to the requested width, preserving
// aspect ratio, and compresses it at the given JPEG quality. quality <= 0
// keeps the source PNG encoding instead.
func resizeAndEncode(src []byte, width, quality int) ([]byte, error) {
	ensureVips()

	img, err := vips.NewImageFromBuffer(src)
	if err != nil {
		return nil, fmt.Errorf("render: decoding image: %w", err)
	}
	defer img.Close()

	if width > 0 && img.Width() != width {
		scale := float64(width) / float64(img.Width())
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, fmt.Errorf("render: resizing image: %w", err)
		}
	}

	if quality <= 0 {
		out, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("render: encoding png: %w", err)
		}
		return out, nil
	}

	params := vips.NewJpegExportParams()
	params.Quality = quality
	out, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, fmt.Errorf("render: encoding jpeg: %w", err)
	}
	return out, nil
}
