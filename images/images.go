package images

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"strings"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// Input images are downscaled to fit this box before re-encoding, which
// bounds the payload sent to the face engine without hurting detection.
const maxDimension = 1920

const jpegQuality = 95

// extensionForFormat maps the decoded image format to a file extension.
// Anything unrecognized falls back to .jpg, matching the re-encoded data.
func extensionForFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return ".jpg"
	case "png":
		return ".png"
	case "bmp":
		return ".bmp"
	case "tiff":
		return ".tiff"
	default:
		return ".jpg"
	}
}

// ValidateBase64Image decodes a base64 payload, verifies it is a
// supported image (JPEG, PNG, BMP or TIFF), and re-encodes it as an RGB
// JPEG suitable for the face engine. It returns the processed bytes and
// the extension derived from the source format. The name is only used
// to attribute errors to the offending input.
func ValidateBase64Image(data string, name string) ([]byte, string, error) {
	raw, err := base64.StdEncoding.DecodeString(stripDataURIPrefix(data))
	if err != nil {
		slog.Warn("Failed to decode base64 payload", "file", name, "error", err)
		return nil, "", fmt.Errorf("invalid base64 data for %s: %w", name, err)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		slog.Warn("Failed to decode image", "file", name, "error", err)
		return nil, "", fmt.Errorf("invalid image format for %s: %w", name, err)
	}

	bounds := img.Bounds()
	slog.Debug("Image decoded", "file", name, "format", format, "width", bounds.Dx(), "height", bounds.Dy())

	img = resizeToFit(img, maxDimension, maxDimension)

	// The engine expects RGB input, so grayscale and paletted images are
	// redrawn before encoding.
	rgb := image.NewNRGBA(img.Bounds())
	draw.Draw(rgb, rgb.Bounds(), img, img.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("failed to re-encode %s: %w", name, err)
	}

	processed := buf.Bytes()
	slog.Debug("Image validated", "file", name, "format", format, "size", len(processed))
	return processed, extensionForFormat(format), nil
}

// stripDataURIPrefix drops a leading "data:image/...;base64," marker so
// clients may send either a bare payload or a data URI.
func stripDataURIPrefix(data string) string {
	if strings.HasPrefix(data, "data:") {
		if idx := strings.Index(data, ","); idx >= 0 {
			return data[idx+1:]
		}
	}
	return data
}

// resizeToFit downscales img to fit within maxW x maxH while keeping
// the aspect ratio. Images already inside the box are returned as-is,
// upscaling is never performed.
func resizeToFit(img image.Image, maxW, maxH int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	slog.Debug("Image downscaled", "from_width", w, "from_height", h, "to_width", nw, "to_height", nh)
	return dst
}
