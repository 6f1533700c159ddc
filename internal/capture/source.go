package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
)

// Source grabs one encoded still image per call.
type Source interface {
	Grab(ctx context.Context) ([]byte, error)
}

// PatternSource renders a moving test card as JPEG.
type PatternSource struct {
	Width   int
	Height  int
	Quality int

	frame int
}

func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{Width: width, Height: height, Quality: 80}
}

func (p *PatternSource) Grab(_ context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	bar := p.frame % max(p.Width, 1)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			c := color.RGBA{R: uint8(x * 255 / max(p.Width, 1)), G: uint8(y * 255 / max(p.Height, 1)), B: 96, A: 255}
			if x >= bar && x < bar+max(p.Width/16, 1) {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	p.frame += max(p.Width/32, 1)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
