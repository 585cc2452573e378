package capture

import (
	"image"
	"time"
)

// Test pattern dimensions.
const (
	patternWidth  = 800
	patternHeight = 600
)

// TestPattern is a Source that renders a synthetic gradient with grid
// lines and a moving dot. Used when real capture is unavailable, and in
// tests: the dot guarantees successive frames differ.
type TestPattern struct {
	Width, Height int              // patternWidth x patternHeight if zero
	now           func() time.Time // test hook for the dot position
}

// Capture renders one pattern frame. It never fails.
func (p *TestPattern) Capture() (*image.RGBA, error) {
	width, height := p.Width, p.Height
	if width <= 0 || height <= 0 {
		width, height = patternWidth, patternHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	stride := img.Stride

	// Gradient background, written straight into the pixel buffer.
	for y := 0; y < height; y++ {
		g := uint8(50 + (y * 100 / height))
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i+0] = uint8(50 + (x * 100 / width))
			pix[i+1] = g
			pix[i+2] = 100
			pix[i+3] = 255
		}
	}

	// Grid lines every 50px.
	for x := 0; x < width; x += 50 {
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}
	for y := 0; y < height; y += 50 {
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}

	// Moving dot so consecutive frames are never identical.
	now := time.Now()
	if p.now != nil {
		now = p.now()
	}
	t := now.Second()
	cx := (t * width) / 60
	for dy := -5; dy <= 5; dy++ {
		for dx := -5; dx <= 5; dx++ {
			if dx*dx+dy*dy > 25 {
				continue
			}
			px, py := cx+dx, height/2+dy
			if px >= 0 && px < width && py >= 0 && py < height {
				i := py*stride + px*4
				pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 100, 100, 255
			}
		}
	}

	return img, nil
}
