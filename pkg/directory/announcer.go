package directory

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAnnounceInterval is the presence heartbeat period.
const DefaultAnnounceInterval = 30 * time.Second

// Announcer keeps one device's presence fresh with periodic Announce
// calls. Failures are logged and retried on the next tick, never fatal.
type Announcer struct {
	Directory Directory
	DeviceID  string
	Metadata  DeviceMetadata
	Interval  time.Duration // DefaultAnnounceInterval if zero
	Log       zerolog.Logger
}

// HostMetadata fills DeviceMetadata from the local machine.
func HostMetadata(version string) DeviceMetadata {
	hostname, _ := os.Hostname()
	return DeviceMetadata{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  version,
	}
}

// Run announces immediately, then on every interval tick until ctx is
// done. It blocks; run it in its own goroutine.
func (a *Announcer) Run(ctx context.Context) {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	a.announce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announce(ctx)
		}
	}
}

func (a *Announcer) announce(ctx context.Context) {
	if err := a.Directory.Announce(ctx, a.DeviceID, a.Metadata); err != nil {
		a.Log.Warn().Err(err).Str("device", a.DeviceID).Msg("presence announce failed")
	}
}
