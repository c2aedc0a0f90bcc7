// Package thumbnail derives small JPEG previews from staged image payloads.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register decoders for image.Decode
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/starford/quire/internal/apperr"
)

// DefaultMaxDim is the longest edge of a generated thumbnail.
const DefaultMaxDim = 256

// DefaultMaxPixels bounds the decoded size of a source image. A compressed
// payload can declare far more pixels than its byte size suggests.
const DefaultMaxPixels int64 = 50_000_000

// MimeType is the content type of every generated thumbnail.
const MimeType = "image/jpeg"

var supported = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Extension returns the file extension for a supported mime type.
func Extension(mimeType string) (string, bool) {
	ext, ok := supported[CanonicalMime(mimeType)]
	return ext, ok
}

// Validate checks that mimeType is supported and that payload's magic bytes agree.
func Validate(payload []byte, mimeType string) error {
	mt := CanonicalMime(mimeType)
	if _, ok := supported[mt]; !ok {
		return apperr.Validation("mime_type", "unsupported mime type %q", mimeType)
	}
	if len(payload) == 0 {
		return apperr.Validation("payload", "empty payload")
	}
	detected := CanonicalMime(http.DetectContentType(payload))
	if detected != mt {
		return apperr.Validation("payload", "content does not match %s (detected %s)", mt, detected)
	}
	return nil
}

// CheckPixels reads only the image header and rejects images whose declared
// width times height exceeds maxPixels.
func CheckPixels(payload []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return apperr.Validation("payload", "decode image header: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return apperr.Validation("payload", "invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
		return apperr.Validation("payload", "image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

// Generate decodes payload and returns a JPEG scaled so that its longest edge
// is at most maxDim. Smaller images keep their size. The header is checked
// against maxPixels before any pixel data is decoded.
func Generate(payload []byte, maxDim int, maxPixels int64) ([]byte, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDim
	}
	if err := CheckPixels(payload, maxPixels); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Validation("payload", "decode image: %v", err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("thumbnail: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// fit scales (w, h) down to fit a maxDim square, preserving aspect ratio.
func fit(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return max(w, 1), max(h, 1)
	}
	if w >= h {
		return maxDim, max(h*maxDim/w, 1)
	}
	return max(w*maxDim/h, 1), maxDim
}

// CanonicalMime strips parameters, lowercases and maps the image/jpg alias.
func CanonicalMime(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(strings.Split(mt, ";")[0]))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
