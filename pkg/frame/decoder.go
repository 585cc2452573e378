package frame

import (
	"sync"
	"time"
)

// DefaultReassemblyTimeout is how long an in-progress chunked frame may
// wait for its missing chunks before it is dropped.
const DefaultReassemblyTimeout = 500 * time.Millisecond

// Decoder routes classified transport messages to callbacks and owns
// the chunk-reassembly buffer for one session. It is safe for use from
// a single receive goroutine plus the internal timeout timer.
type Decoder struct {
	// OnFull receives every complete frame image, both single-message
	// frames and reassembled chunked frames.
	OnFull func(image []byte)
	// OnRegion receives dirty-region updates. Regions arriving before
	// the first full frame are discarded, not delivered.
	OnRegion func(r Region)
	// OnControl receives JSON control messages untouched.
	OnControl func(raw []byte)
	// OnDrop is called once per dropped frame.
	OnDrop func()

	Timeout time.Duration // reassembly timeout; DefaultReassemblyTimeout if zero

	mu       sync.Mutex
	haveFull bool
	slots    [][]byte
	filled   int
	timer    *time.Timer
	gen      uint64 // bumped per reassembly buffer so a stale timer fire is harmless
	closed   bool
}

// Handle classifies one inbound transport message and dispatches it.
// Malformed messages shorter than their header are ignored.
func (d *Decoder) Handle(msg []byte) {
	m := Classify(msg)
	switch m.Kind {
	case KindControl:
		if d.OnControl != nil {
			d.OnControl(m.Raw)
		}
	case KindFull:
		d.completeFull(m.Image)
	case KindRegion:
		d.handleRegion(m.Region)
	case KindChunk:
		d.handleChunk(m.Chunk)
	}
}

// Close cancels any pending reassembly timer. An incomplete buffer at
// close time counts as dropped.
func (d *Decoder) Close() {
	d.mu.Lock()
	dropped := d.slots != nil
	d.discardLocked()
	d.closed = true
	d.mu.Unlock()
	if dropped {
		d.drop()
	}
}

func (d *Decoder) completeFull(image []byte) {
	d.mu.Lock()
	d.haveFull = true
	d.mu.Unlock()
	if d.OnFull != nil {
		d.OnFull(image)
	}
}

func (d *Decoder) handleRegion(r Region) {
	d.mu.Lock()
	ok := d.haveFull
	d.mu.Unlock()
	if !ok {
		// No canvas to apply the region to yet.
		d.drop()
		return
	}
	if d.OnRegion != nil {
		d.OnRegion(r)
	}
}

func (d *Decoder) handleChunk(c Chunk) {
	if c.Total == 0 || c.Index >= c.Total {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	dropped := false
	if c.Index == 0 {
		// Chunk 0 starts a fresh frame; an unfinished buffer is lost.
		if d.slots != nil {
			dropped = true
		}
		d.discardLocked()
		d.slots = make([][]byte, c.Total)
		d.armTimerLocked()
	}

	if d.slots == nil || c.Total != len(d.slots) {
		// Stray chunk from a frame we never started or already gave up on.
		d.mu.Unlock()
		if dropped {
			d.drop()
		}
		return
	}

	if d.slots[c.Index] == nil {
		d.slots[c.Index] = c.Data
		d.filled++
	}

	var image []byte
	if d.filled == len(d.slots) {
		size := 0
		for _, s := range d.slots {
			size += len(s)
		}
		image = make([]byte, 0, size)
		for _, s := range d.slots {
			image = append(image, s...)
		}
		d.discardLocked()
	}
	d.mu.Unlock()

	if dropped {
		d.drop()
	}
	if image != nil {
		d.completeFull(image)
	}
}

func (d *Decoder) armTimerLocked() {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	gen := d.gen
	d.timer = time.AfterFunc(timeout, func() { d.expire(gen) })
}

func (d *Decoder) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		// A newer buffer replaced the one this timer was armed for.
		d.mu.Unlock()
		return
	}
	dropped := d.slots != nil
	d.discardLocked()
	d.mu.Unlock()
	if dropped {
		d.drop()
	}
}

// discardLocked clears the reassembly buffer and stops its timer.
func (d *Decoder) discardLocked() {
	d.slots = nil
	d.filled = 0
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Decoder) drop() {
	if d.OnDrop != nil {
		d.OnDrop()
	}
}
