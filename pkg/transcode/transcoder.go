// Package transcode recompresses images: decode, shrink to fit a bounding
// square, and re-encode as JPEG.
//
// Supported inputs are JPEG, PNG and GIF from the standard library plus
// WebP, BMP and TIFF from golang.org/x/image. Output is always JPEG, so
// transparent areas are flattened onto a white background.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode matches any input that is not a decodable image.
var ErrDecode = errors.New("image decode failed")

// DecodeError reports undecodable input.
type DecodeError struct {
	// Format is the detected container format, if any.
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) hold for every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Transcoder shrinks and re-encodes images. The zero value is not usable;
// call New.
type Transcoder struct {
	scaler     draw.Interpolator
	background color.Color
}

// New returns a Transcoder that resamples with Catmull-Rom and flattens
// transparency onto white.
func New() *Transcoder {
	return &Transcoder{
		scaler:     draw.CatmullRom,
		background: color.White,
	}
}

// Compress decodes raw, scales it so neither side exceeds targetDimension
// while keeping the aspect ratio, and encodes it as JPEG at targetQuality.
// Images already within bounds are re-encoded at their own size.
// Output is deterministic for identical arguments.
func (t *Transcoder) Compress(raw []byte, targetDimension, targetQuality int) ([]byte, error) {
	if targetDimension <= 0 {
		return nil, fmt.Errorf("target dimension must be positive, got %d", targetDimension)
	}
	if targetQuality < 1 || targetQuality > 100 {
		return nil, fmt.Errorf("target quality must be in 1..100, got %d", targetQuality)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	sb := src.Bounds()
	if sb.Empty() {
		return nil, &DecodeError{Format: format, Err: errors.New("image has no pixels")}
	}

	w, h := FitWithin(sb.Dx(), sb.Dy(), targetDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(t.background), image.Point{}, draw.Src)

	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Over)
	} else {
		t.scaler.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: targetQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWithin returns the size of a w×h image scaled down so both sides are at
// most limit. Images already within limit keep their size. Neither side is
// ever rounded to zero.
func FitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, (h*limit+w/2)/w)
	}
	return max(1, (w*limit+h/2)/h), limit
}
