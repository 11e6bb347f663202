package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

var (
	ErrUnsupportedImage = errors.New("unsupported image")
	ErrInvalidDataURL   = errors.New("invalid data URL format")
	ErrEmptyImage       = errors.New("empty image")
)

// MaxPixels bounds the decoded size of an accepted photo.
const MaxPixels = 40_000_000

var allowedTypes = []string{"image/jpeg", "image/png", "image/webp"}

type Info struct {
	MIME   string `json:"mime"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Validate checks that data is a photo the detector can read and returns its
// header information. Only the header is decoded.
func Validate(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	mt := mimetype.Detect(data)
	allowed := false
	for _, t := range allowedTypes {
		if mt.Is(t) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions", ErrUnsupportedImage)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}

	return &Info{
		MIME:   mt.String(),
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// DecodeDataURL extracts the payload of a base64 data URL. A bare base64
// string is accepted as well.
func DecodeDataURL(dataURL string) ([]byte, error) {
	payload := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		parts := strings.SplitN(dataURL, ",", 2)
		if len(parts) != 2 || !strings.HasSuffix(parts[0], ";base64") {
			return nil, ErrInvalidDataURL
		}
		payload = parts[1]
	}
	if payload == "" {
		return nil, ErrEmptyImage
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return data, nil
}
