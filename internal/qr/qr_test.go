package qr

import (
	"bytes"
	"image/png"
	"testing"
)

func TestEncodePNG(t *testing.T) {
	raw, err := EncodePNG("65f0c0ffee0000000000beef", 128)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 128 {
		t.Fatalf("expected 128px image, got %d", img.Bounds().Dx())
	}
}

func TestEncodePNGEmptyToken(t *testing.T) {
	if _, err := EncodePNG("", 0); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestEncodePNGClampsSize(t *testing.T) {
	raw, err := EncodePNG("65f0c0ffee0000000000beef", 100000)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != MaxSize {
		t.Fatalf("expected %dpx image, got %d", MaxSize, img.Bounds().Dx())
	}
}
