package converter

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var ErrEmptyImage = errors.New("empty image data")

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ContentType returns the MIME type of encoded images of format f.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unsupported format: %s", s)
}

// Converter normalizes images on their way into and out of the generation
// backend.
type Converter struct {
	logger *zap.Logger
	maxDim int
	format Format
}

func NewConverter(logger *zap.Logger, maxDim int, format Format) *Converter {
	return &Converter{logger: logger, maxDim: maxDim, format: format}
}

func (c *Converter) Format() Format {
	return c.format
}

// Normalize decodes data, fixes EXIF orientation, shrinks it to fit within
// the configured bounding box and re-encodes it. Images already inside the
// box keep their size. A zero maxDim disables resizing.
func (c *Converter) Normalize(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Error("Failed to decode image", zap.Int("bytes", len(data)), zap.Error(err))
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var processed *image.NRGBA
	bounds := src.Bounds()
	if c.maxDim > 0 && (bounds.Dx() > c.maxDim || bounds.Dy() > c.maxDim) {
		c.logger.Debug("Resizing image",
			zap.Int("width", bounds.Dx()),
			zap.Int("height", bounds.Dy()),
			zap.Int("max_dim", c.maxDim),
		)
		processed = imaging.Fit(src, c.maxDim, c.maxDim, imaging.Lanczos)
	} else {
		processed = imaging.Clone(src)
	}

	var buf bytes.Buffer
	switch c.format {
	case FormatJPEG:
		err = imaging.Encode(&buf, processed, imaging.JPEG, imaging.JPEGQuality(85))
	default:
		err = imaging.Encode(&buf, processed, imaging.PNG)
	}
	if err != nil {
		c.logger.Error("Failed to encode image", zap.String("format", string(c.format)), zap.Error(err))
		return nil, fmt.Errorf("failed to encode %s: %w", c.format, err)
	}

	return buf.Bytes(), nil
}
