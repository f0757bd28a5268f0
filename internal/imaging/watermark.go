// Package imaging post-processes generated images.
package imaging

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	// Registers the WebP decoder for character assets.
	_ "golang.org/x/image/webp"
)

// DefaultWatermark is the handle stamped on generated images.
const DefaultWatermark = "@memery_labs"

const (
	// watermarkPadding is the distance in pixels from the bottom-right corner.
	watermarkPadding = 20
	// watermarkScale sets the font size to 1/watermarkScale of the image height.
	watermarkScale = 24
)

var (
	fontOnce sync.Once
	fontData *opentype.Font
	fontErr  error
)

func watermarkFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		fontData, fontErr = opentype.Parse(gobolditalic.TTF)
	})
	return fontData, fontErr
}

// Watermark draws text in white at the bottom-right of the image at path and rewrites the file
// in its original format, chosen by extension.
func Watermark(path, text string) error {
	src, err := decodeFile(path)
	if err != nil {
		return err
	}
	out, err := Stamp(src, text)
	if err != nil {
		return err
	}
	if err := encodeFile(path, out); err != nil {
		return err
	}
	slog.Debug("imaging.Watermark: watermark added", "path", path, "text", text)
	return nil
}

// Stamp returns a copy of img with text drawn at the bottom-right corner.
func Stamp(img image.Image, text string) (*image.RGBA, error) {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Src)

	f, err := watermarkFont()
	if err != nil {
		return nil, fmt.Errorf("load watermark font: %w", err)
	}
	size := float64(bounds.Dy() / watermarkScale)
	if size < 1 {
		size = 1
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create watermark face: %w", err)
	}
	defer face.Close()

	d := &font.Drawer{Dst: dst, Src: image.White, Face: face}
	width := d.MeasureString(text).Ceil()
	descent := face.Metrics().Descent.Ceil()
	x := bounds.Max.X - width - watermarkPadding
	y := bounds.Max.Y - descent - watermarkPadding
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
	return dst, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return img, nil
}

func encodeFile(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("encode image %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
