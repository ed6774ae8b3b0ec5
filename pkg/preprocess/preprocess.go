// Package preprocess turns uploaded images into the normalized tensors the
// tumor classifier consumes.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

// InputSize is the side length of the square classifier input
const InputSize = 224

// DefaultMaxPixels caps the decoded size of an upload
const DefaultMaxPixels = 64_000_000

// Per-channel normalization constants, R, G, B order
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Config holds configuration for the preprocessor
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	MaxPixels        int
}

// Preprocessor decodes and normalizes images
type Preprocessor struct {
	config Config
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int
	Height      int
	AspectRatio float64
	Area        int
}

// DefaultFormats lists every format the preprocessor can decode
func DefaultFormats() []string {
	return []string{"jpeg", "png", "gif", "bmp", "tiff", "webp"}
}

// New creates a Preprocessor accepting every supported format
func New() *Preprocessor {
	return &Preprocessor{
		config: Config{
			SupportedFormats: DefaultFormats(),
			MinImageSize:     1,
			MaxPixels:        DefaultMaxPixels,
		},
	}
}

// NewWithConfig creates a Preprocessor with custom configuration
func NewWithConfig(config Config) *Preprocessor {
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = DefaultFormats()
	}
	if config.MaxPixels <= 0 {
		config.MaxPixels = DefaultMaxPixels
	}
	return &Preprocessor{config: config}
}

// Decode reads an image from r. The returned string is the detected format.
func (p *Preprocessor) Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", &types.InvalidImageError{Reason: "read failed", Err: err}
	}
	return p.DecodeBytes(data)
}

// DecodeBytes decodes an in-memory image
func (p *Preprocessor) DecodeBytes(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &types.InvalidImageError{Reason: "empty upload"}
	}

	// Dimensions come from the header so oversized images are never decoded
	if err := p.checkDimensions(data); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// registered decoders miss some extended WebP files
		if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			img, format, err = wimg, "webp", nil
		}
	}
	if err != nil {
		return nil, "", &types.InvalidImageError{Reason: "unknown or unsupported format", Err: err}
	}

	if !p.isFormatSupported(format) {
		return nil, format, &types.InvalidImageError{Reason: fmt.Sprintf("unsupported image format: %s", format)}
	}

	if err := p.ValidateImage(img); err != nil {
		return nil, format, err
	}

	return img, format, nil
}

func (p *Preprocessor) checkDimensions(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		wcfg, werr := webp.DecodeConfig(bytes.NewReader(data))
		if werr != nil {
			return &types.InvalidImageError{Reason: "unknown or unsupported format", Err: err}
		}
		cfg = wcfg
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &types.InvalidImageError{Reason: "image has no pixels"}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(p.config.MaxPixels) {
		return &types.InvalidImageError{Reason: fmt.Sprintf("image too large: %dx%d (maximum: %d pixels)",
			cfg.Width, cfg.Height, p.config.MaxPixels)}
	}
	return nil
}

// ValidateImage checks that an image meets the minimum size requirement
func (p *Preprocessor) ValidateImage(img image.Image) error {
	if img == nil {
		return &types.InvalidImageError{Reason: "nil image"}
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return &types.InvalidImageError{Reason: "image has no pixels"}
	}
	if bounds.Dx() < p.config.MinImageSize || bounds.Dy() < p.config.MinImageSize {
		return &types.InvalidImageError{Reason: fmt.Sprintf("image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), p.config.MinImageSize)}
	}
	return nil
}

// Tensor resizes img to InputSize x InputSize with bilinear filtering and
// returns it as a normalized CHW tensor. Alpha is discarded.
func (p *Preprocessor) Tensor(img image.Image) (*types.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &types.InvalidImageError{Reason: "image has no pixels"}
	}

	resized := imaging.Resize(img, InputSize, InputSize, imaging.Linear)

	t := types.NewTensor(3, InputSize, InputSize)
	plane := InputSize * InputSize
	for y := 0; y < InputSize; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputSize; x++ {
			i := y*InputSize + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				t.Data[c*plane+i] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return t, nil
}

// Process decodes r and returns the normalized tensor
func (p *Preprocessor) Process(r io.Reader) (*types.Tensor, error) {
	img, _, err := p.Decode(r)
	if err != nil {
		return nil, err
	}
	return p.Tensor(img)
}

// Info returns basic information about an image
func (p *Preprocessor) Info(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

func (p *Preprocessor) isFormatSupported(format string) bool {
	for _, supported := range p.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
		if strings.EqualFold(supported, "jpg") && strings.EqualFold(format, "jpeg") {
			return true
		}
	}
	return false
}

// IsInvalidImage reports whether err is an InvalidImageError
func IsInvalidImage(err error) bool {
	var invalid *types.InvalidImageError
	return errors.As(err, &invalid)
}
