package capture

import (
	"image"
	"image/draw"
)

// Default tile size for dirty detection. Smaller tiles localize change
// better but cost more comparisons and more region headers.
const defaultTileSize = 128

// Region is one changed rectangle with its encoded sub-image.
type Region struct {
	Rect  image.Rectangle
	Image []byte
}

// Detector finds regions that changed between successive frames by
// comparing fixed tiles with sparse pixel sampling.
type Detector struct {
	TileWidth  int // defaultTileSize if zero
	TileHeight int
	Quality    int // JPEG quality for region encoding

	last *image.RGBA
}

// Detect compares frame with the previous one and returns the changed
// tiles, JPEG-encoded. The first frame (or any resolution change)
// returns (nil, true): the caller must send a full frame to establish
// the canvas.
func (d *Detector) Detect(frame *image.RGBA) ([]Region, bool) {
	if d.last == nil || !d.last.Bounds().Eq(frame.Bounds()) {
		d.last = cloneRGBA(frame)
		return nil, true
	}

	tileW, tileH := d.TileWidth, d.TileHeight
	if tileW <= 0 {
		tileW = defaultTileSize
	}
	if tileH <= 0 {
		tileH = defaultTileSize
	}

	bounds := frame.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var regions []Region
	for y := 0; y < height; y += tileH {
		for x := 0; x < width; x += tileW {
			w := min(tileW, width-x)
			h := min(tileH, height-y)
			if !d.tileChanged(frame, x, y, w, h) {
				continue
			}
			rect := image.Rect(x, y, x+w, y+h)
			encoded, err := EncodeJPEG(subImage(frame, rect), d.Quality)
			if err != nil {
				continue
			}
			regions = append(regions, Region{Rect: rect, Image: encoded})
		}
	}

	d.last = cloneRGBA(frame)
	return regions, false
}

// Reset forgets the previous frame, forcing the next Detect to request
// a full frame. Call it when a receiver reconnects.
func (d *Detector) Reset() { d.last = nil }

// ChangedFraction reports how much of the screen the regions cover, in
// [0, 1]. Callers use it to fall back to a full frame when most of the
// screen moved.
func ChangedFraction(regions []Region, bounds image.Rectangle) float64 {
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0
	}
	changed := 0
	for _, r := range regions {
		changed += r.Rect.Dx() * r.Rect.Dy()
	}
	return float64(changed) / float64(total)
}

// tileChanged samples every 4th pixel with a small per-channel
// threshold so JPEG noise does not mark the whole screen dirty.
func (d *Detector) tileChanged(frame *image.RGBA, x, y, w, h int) bool {
	stride := frame.Stride
	lastStride := d.last.Stride
	for dy := 0; dy < h; dy += 4 {
		for dx := 0; dx < w; dx += 4 {
			i := (y+dy)*stride + (x+dx)*4
			j := (y+dy)*lastStride + (x+dx)*4
			if absDiff(frame.Pix[i], d.last.Pix[j]) > 2 ||
				absDiff(frame.Pix[i+1], d.last.Pix[j+1]) > 2 ||
				absDiff(frame.Pix[i+2], d.last.Pix[j+2]) > 2 {
				return true
			}
		}
	}
	return false
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func subImage(src *image.RGBA, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return dst
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
