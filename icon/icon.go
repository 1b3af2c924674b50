// Package icon decodes home screen icons into caller-chosen representations and caches their raw PNG data
package icon

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrEmpty is returned when there is no icon data to decode
var ErrEmpty = errors.New("empty icon data")

// Decoder is an interface for converting raw icon data into an icon of type I
type Decoder[I any] interface {
	// Decode converts data into an icon. If data is empty, the returned error will be ErrEmpty
	Decode(data []byte) (I, error)
}

// DecoderFunc is an adapter to allow the use of ordinary functions as Decoders
type DecoderFunc[I any] func(data []byte) (I, error)

// Decode calls f(data)
func (f DecoderFunc[I]) Decode(data []byte) (I, error) {
	return f(data)
}

// PNG is PNG encoded image data. It marshals to JSON as a base64 string
type PNG []byte

// PNGDecoder decodes icons into normalized PNG data
type PNGDecoder struct {
	// MaxSize, if positive, scales larger icons down to fit inside a MaxSize×MaxSize square
	MaxSize int
}

// Decode implements Decoder
func (d PNGDecoder) Decode(data []byte) (PNG, error) {
	img, err := ImageDecoder{MaxSize: d.MaxSize}.Decode(data)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err = imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("could not encode icon: %w", err)
	}
	return PNG(buf.Bytes()), nil
}

// ImageDecoder decodes icons into images
type ImageDecoder struct {
	// MaxSize, if positive, scales larger icons down to fit inside a MaxSize×MaxSize square
	MaxSize int
}

// Decode implements Decoder
func (d ImageDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode icon: %w", err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("could not decode icon: %w", errors.New("image has no pixels"))
	}

	if d.MaxSize > 0 && (b.Dx() > d.MaxSize || b.Dy() > d.MaxSize) {
		img = imaging.Fit(img, d.MaxSize, d.MaxSize, imaging.Lanczos)
	}
	return img, nil
}
