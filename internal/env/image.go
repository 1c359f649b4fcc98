package env

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// decodeFrame decodes a base64 camera frame and samples it into the fixed
// ImageHeight×ImageWidth×3 buffer with nearest-neighbour scaling. Returns
// an error (and no buffer) when the frame cannot be decoded.
func decodeFrame(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	buf := make([]byte, ImageSize)
	for y := 0; y < ImageHeight; y++ {
		srcY := bounds.Min.Y + y*h/ImageHeight
		for x := 0; x < ImageWidth; x++ {
			srcX := bounds.Min.X + x*w/ImageWidth
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			i := (y*ImageWidth + x) * ImageChannels
			buf[i] = byte(r >> 8)
			buf[i+1] = byte(g >> 8)
			buf[i+2] = byte(b >> 8)
		}
	}
	return buf, nil
}
