// Package thumbnail prepares the scan preview embedded in PDF reports.
package thumbnail

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// Config holds configuration for thumbnail generation
type Config struct {
	MaxWidth        int
	MaxHeight       int
	TrimBorder      bool
	BorderThreshold uint8
	PaddingRatio    float64
}

// Thumbnailer trims the dark background around a scan and scales it down
type Thumbnailer struct {
	config Config
}

// Result contains the result of a thumbnail operation
type Result struct {
	Image   image.Image
	Region  image.Rectangle
	Trimmed bool
}

// New creates a Thumbnailer with default configuration
func New() *Thumbnailer {
	return &Thumbnailer{
		config: Config{
			MaxWidth:        600,
			MaxHeight:       600,
			TrimBorder:      true,
			BorderThreshold: 16,
			PaddingRatio:    0.05,
		},
	}
}

// NewWithConfig creates a Thumbnailer with custom configuration
func NewWithConfig(config Config) *Thumbnailer {
	return &Thumbnailer{config: config}
}

// Make builds a thumbnail. Images with no pixel brighter than the border
// threshold are fitted as a whole.
func (t *Thumbnailer) Make(img image.Image) (Result, error) {
	if img == nil || img.Bounds().Empty() {
		return Result{}, fmt.Errorf("invalid image dimensions")
	}

	src := imaging.Clone(img)
	region := src.Bounds()
	trimmed := false

	if t.config.TrimBorder {
		if content, ok := t.ContentBounds(src); ok && content != region {
			region = t.pad(content, src.Bounds())
			trimmed = region != src.Bounds()
		}
	}

	var out image.Image = src
	if trimmed {
		out = imaging.Crop(src, region)
	}
	if t.config.MaxWidth > 0 && t.config.MaxHeight > 0 {
		out = imaging.Fit(out, t.config.MaxWidth, t.config.MaxHeight, imaging.Lanczos)
	}

	return Result{
		Image:   out,
		Region:  region,
		Trimmed: trimmed,
	}, nil
}

// ContentBounds returns the smallest rectangle holding every pixel brighter
// than the border threshold. ok is false when there is no such pixel.
func (t *Thumbnailer) ContentBounds(img *image.NRGBA) (image.Rectangle, bool) {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			i := (x - b.Min.X) * 4
			if luminance(row[i], row[i+1], row[i+2]) <= t.config.BorderThreshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX || maxY < minY {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// EncodePNG writes img to w as PNG
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

func (t *Thumbnailer) pad(r, bounds image.Rectangle) image.Rectangle {
	side := r.Dx()
	if r.Dy() > side {
		side = r.Dy()
	}
	p := int(float64(side) * t.config.PaddingRatio)
	return image.Rect(r.Min.X-p, r.Min.Y-p, r.Max.X+p, r.Max.Y+p).Intersect(bounds)
}

func luminance(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}
