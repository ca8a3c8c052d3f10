// Package qr renders profile tokens as QR code images. The encoded text is
// the token itself; decoding happens on the scanning client, which then
// looks the token up through the profile directory.
package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// DefaultSize is the edge length in pixels used when none is requested.
	DefaultSize = 256
	// MaxSize bounds the edge length; larger requests are clamped to it.
	MaxSize = 1024
)

// EncodePNG returns a PNG image of token as a QR code of size x size pixels.
func EncodePNG(token string, size int) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("qr: empty token")
	}
	if size <= 0 {
		size = DefaultSize
	}
	size = min(size, MaxSize)
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return png, nil
}
