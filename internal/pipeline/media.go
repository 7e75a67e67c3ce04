package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"
	"math"

	xdraw "golang.org/x/image/draw"
)

const (
	DefaultMaxWidth    = 640
	DefaultMaxHeight   = 360
	DefaultJPEGQuality = 85
)

// resizeJPEG re-encodes src so it fits within maxW x maxH, preserving aspect
// ratio. Frames already within bounds are passed through untouched.
func resizeJPEG(src []byte, maxW, maxH, quality int) ([]byte, int, int, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, 0, 0, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src, w, h, nil
	}

	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), nw, nh, nil
}
