// Package stats tracks per-session throughput over fixed one-second
// windows: megabits per second, frames per second, and dropped frames.
package stats

import (
	"sync"
	"time"
)

// DefaultWindow is the monitoring window length.
const DefaultWindow = time.Second

// Snapshot is one window's worth of throughput numbers.
type Snapshot struct {
	Mbps          float64
	FPS           float64
	FramesOK      int
	FramesDropped int
	Bytes         int64
}

// Monitor accumulates byte and frame counters and emits a Snapshot per
// window, then resets. Counter methods are safe to call from the
// transport receive goroutine while the window timer runs.
type Monitor struct {
	Window time.Duration  // DefaultWindow if zero
	OnStat func(Snapshot) // called once per non-empty window

	mu      sync.Mutex
	bytes   int64
	frames  int
	dropped int
	last    time.Time
	done    chan struct{}
	started bool
}

// AddBytes records payload bytes received off the transport.
func (m *Monitor) AddBytes(n int) {
	m.mu.Lock()
	m.bytes += int64(n)
	m.mu.Unlock()
}

// AddFrame records one complete frame delivered to the application.
func (m *Monitor) AddFrame() {
	m.mu.Lock()
	m.frames++
	m.mu.Unlock()
}

// AddDropped records one dropped frame.
func (m *Monitor) AddDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// Start launches the window timer. Stop must be called to release it.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.last = time.Now()
	m.done = make(chan struct{})
	done := m.done
	window := m.Window
	if window <= 0 {
		window = DefaultWindow
	}
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				m.flush(now)
			}
		}
	}()
}

// Stop cancels the window timer. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.done)
}

// flush computes and emits one window, then zeroes the counters.
// Windows with no elapsed time or no received bytes emit nothing, so a
// stalled stream cannot produce a divide-by-zero or a misleading zero
// reading.
func (m *Monitor) flush(now time.Time) {
	m.mu.Lock()
	elapsed := now.Sub(m.last).Seconds()
	snap := Snapshot{
		Bytes:         m.bytes,
		FramesOK:      m.frames,
		FramesDropped: m.dropped,
	}
	m.bytes, m.frames, m.dropped = 0, 0, 0
	m.last = now
	onStat := m.OnStat
	m.mu.Unlock()

	if elapsed <= 0 || snap.Bytes == 0 {
		return
	}

	snap.Mbps = float64(snap.Bytes) * 8 / elapsed / 1e6
	snap.FPS = float64(snap.FramesOK) / elapsed
	if onStat != nil {
		onStat(snap)
	}
}
