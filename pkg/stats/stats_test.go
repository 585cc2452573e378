package stats

import (
	"math"
	"testing"
	"time"
)

func TestWindowComputation(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int
		frames   int
		dropped  int
		elapsed  time.Duration
		wantMbps float64
		wantFPS  float64
	}{
		{"one megabit over one second", 125_000, 10, 0, time.Second, 1.0, 10},
		{"half window", 62_500, 5, 1, 500 * time.Millisecond, 1.0, 10},
		{"long window", 1_000_000, 30, 0, 2 * time.Second, 4.0, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Snapshot
			m := &Monitor{OnStat: func(s Snapshot) { got = &s }}
			m.last = time.Now()

			m.AddBytes(tt.bytes)
			for i := 0; i < tt.frames; i++ {
				m.AddFrame()
			}
			for i := 0; i < tt.dropped; i++ {
				m.AddDropped()
			}
			m.flush(m.last.Add(tt.elapsed))

			if got == nil {
				t.Fatal("no snapshot emitted")
			}
			if math.Abs(got.Mbps-tt.wantMbps) > 1e-9 {
				t.Fatalf("Mbps = %v, want %v", got.Mbps, tt.wantMbps)
			}
			if math.Abs(got.FPS-tt.wantFPS) > 1e-9 {
				t.Fatalf("FPS = %v, want %v", got.FPS, tt.wantFPS)
			}
			if got.FramesOK != tt.frames || got.FramesDropped != tt.dropped {
				t.Fatalf("frames=%d dropped=%d", got.FramesOK, got.FramesDropped)
			}
		})
	}
}

func TestEmptyWindowEmitsNothing(t *testing.T) {
	emitted := 0
	m := &Monitor{OnStat: func(Snapshot) { emitted++ }}
	m.last = time.Now()

	// No bytes in the window.
	m.AddFrame()
	m.flush(m.last.Add(time.Second))

	// Zero elapsed time.
	m.AddBytes(1000)
	m.flush(m.last)

	if emitted != 0 {
		t.Fatalf("emitted %d snapshots from degenerate windows", emitted)
	}
}

func TestCountersResetBetweenWindows(t *testing.T) {
	var snaps []Snapshot
	m := &Monitor{OnStat: func(s Snapshot) { snaps = append(snaps, s) }}
	m.last = time.Now()

	m.AddBytes(100)
	m.AddFrame()
	m.flush(m.last.Add(time.Second))

	m.AddBytes(200)
	m.flush(m.last.Add(time.Second))

	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	if snaps[1].Bytes != 200 || snaps[1].FramesOK != 0 {
		t.Fatalf("second window carried over counters: %+v", snaps[1])
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := &Monitor{Window: 10 * time.Millisecond}
	m.Start()
	m.Start()
	m.AddBytes(50)
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestMetricsObserve(t *testing.T) {
	met := NewMetrics()
	met.Observe("s1", Snapshot{Mbps: 2.5, FramesOK: 10, FramesDropped: 1, Bytes: 312_500})
	met.ForgetSession("s1")

	// Re-registering the same names must not be possible twice on one
	// registry; a second registry is independent.
	met2 := NewMetrics()
	met2.Observe("s1", Snapshot{})
}
