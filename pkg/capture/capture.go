// Package capture provides the agent-side screen source: display
// capture, JPEG encoding, a generated test pattern for hosts where
// capture fails, and tile-based dirty-region detection between
// successive frames.
package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kbinani/screenshot"
)

// DefaultJPEGQuality balances size against legibility for screen text.
const DefaultJPEGQuality = 70

// Source produces raw RGBA frames of the controlled screen. Capture
// errors must be returned, not panicked; the capture loop falls back to
// the previous frame or a test pattern.
type Source interface {
	Capture() (*image.RGBA, error)
}

// Display captures one physical display.
type Display struct {
	Index int
}

// NumDisplays reports how many displays are attached.
func NumDisplays() int { return screenshot.NumActiveDisplays() }

// Capture grabs the display's current contents.
func (d *Display) Capture() (*image.RGBA, error) {
	if d.Index < 0 || d.Index >= screenshot.NumActiveDisplays() {
		return nil, fmt.Errorf("capture: no display %d", d.Index)
	}
	bounds := screenshot.GetDisplayBounds(d.Index)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture: display %d: %w", d.Index, err)
	}
	return img, nil
}

// Bounds reports the display's pixel rectangle, used to map normalized
// pointer coordinates back to pixels.
func (d *Display) Bounds() image.Rectangle {
	return screenshot.GetDisplayBounds(d.Index)
}

// EncodeJPEG compresses an RGBA frame. Quality of zero uses the
// default.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	buf.Grow(img.Bounds().Dx() * img.Bounds().Dy() / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("capture: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
