package capture

import (
	"bytes"
	"image"
	"testing"
	"time"
)

func fixedPattern(t time.Time) *TestPattern {
	return &TestPattern{Width: 320, Height: 240, now: func() time.Time { return t }}
}

func TestTestPatternDeterministic(t *testing.T) {
	at := time.Unix(1000, 0)
	a, err := fixedPattern(at).Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	b, err := fixedPattern(at).Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("same instant produced different frames")
	}
}

func TestTestPatternMoves(t *testing.T) {
	a, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	b, _ := fixedPattern(time.Unix(1002, 0)).Capture()
	if bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("dot did not move between frames")
	}
}

func TestEncodeJPEG(t *testing.T) {
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	data, err := EncodeJPEG(img, DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatalf("output is not a JPEG, first bytes % X", data[:min(4, len(data))])
	}
}

func TestDetectorFirstFrameIsFull(t *testing.T) {
	var d Detector
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	regions, full := d.Detect(img)
	if !full {
		t.Fatal("first frame should request a full frame")
	}
	if regions != nil {
		t.Fatalf("first frame returned %d regions", len(regions))
	}
}

func TestDetectorUnchangedFrame(t *testing.T) {
	var d Detector
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	d.Detect(img)
	again, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	regions, full := d.Detect(again)
	if full {
		t.Fatal("identical frame requested a full frame")
	}
	if len(regions) != 0 {
		t.Fatalf("identical frame produced %d regions", len(regions))
	}
}

func TestDetectorLocalizedChange(t *testing.T) {
	d := Detector{TileWidth: 64, TileHeight: 64}
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	d.Detect(img)

	// Paint a small patch inside a single tile.
	next := cloneRGBA(img)
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			i := y*next.Stride + x*4
			next.Pix[i] = 255
			next.Pix[i+1] = 0
			next.Pix[i+2] = 0
		}
	}

	regions, full := d.Detect(next)
	if full {
		t.Fatal("small change requested a full frame")
	}
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}
	want := image.Rect(0, 0, 64, 64)
	if regions[0].Rect != want {
		t.Fatalf("region %v, want %v", regions[0].Rect, want)
	}
	if len(regions[0].Image) == 0 || regions[0].Image[0] != 0xFF {
		t.Fatal("region image is not JPEG encoded")
	}
}

func TestDetectorResolutionChangeForcesFull(t *testing.T) {
	var d Detector
	small, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	d.Detect(small)
	big, _ := (&TestPattern{Width: 640, Height: 480, now: func() time.Time { return time.Unix(1000, 0) }}).Capture()
	if _, full := d.Detect(big); !full {
		t.Fatal("resolution change should request a full frame")
	}
}

func TestDetectorReset(t *testing.T) {
	var d Detector
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	d.Detect(img)
	d.Reset()
	if _, full := d.Detect(img); !full {
		t.Fatal("Detect after Reset should request a full frame")
	}
}

func TestDetectorIgnoresNoise(t *testing.T) {
	var d Detector
	img, _ := fixedPattern(time.Unix(1000, 0)).Capture()
	d.Detect(img)

	// +/-2 per channel is compression noise, not motion.
	noisy := cloneRGBA(img)
	for i := 0; i < len(noisy.Pix); i += 4 {
		if noisy.Pix[i] < 254 {
			noisy.Pix[i] += 2
		}
	}
	regions, full := d.Detect(noisy)
	if full || len(regions) != 0 {
		t.Fatalf("noise produced full=%v regions=%d", full, len(regions))
	}
}

func TestChangedFraction(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)
	regions := []Region{
		{Rect: image.Rect(0, 0, 50, 50)},
		{Rect: image.Rect(50, 0, 100, 50)},
	}
	if got := ChangedFraction(regions, bounds); got != 0.5 {
		t.Fatalf("fraction %v, want 0.5", got)
	}
	if got := ChangedFraction(nil, bounds); got != 0 {
		t.Fatalf("empty fraction %v, want 0", got)
	}
	if got := ChangedFraction(regions, image.Rectangle{}); got != 0 {
		t.Fatalf("zero bounds fraction %v, want 0", got)
	}
}
