package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Directory for tests and single-binary
// deployments. Safe for concurrent use.
type Memory struct {
	mu             sync.Mutex
	devices        map[string]*Device
	sessions       map[string]*Session
	statusWatchers map[string][]chan Status  // sessionID -> watchers
	deviceWatchers map[string][]chan Session // deviceID -> watchers
}

// NewMemory returns an empty in-process directory.
func NewMemory() *Memory {
	return &Memory{
		devices:        make(map[string]*Device),
		sessions:       make(map[string]*Session),
		statusWatchers: make(map[string][]chan Status),
		deviceWatchers: make(map[string][]chan Session),
	}
}

// Announce upserts the device's presence row.
func (m *Memory) Announce(_ context.Context, deviceID string, meta DeviceMetadata) error {
	if deviceID == "" {
		return fmt.Errorf("directory: empty device id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = &Device{ID: deviceID, Metadata: meta, LastSeen: time.Now()}
	return nil
}

// Device returns the presence record for a device ID.
func (m *Memory) Device(deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// CreateSession opens a pending session against an announced device.
func (m *Memory) CreateSession(_ context.Context, deviceID, controllerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return nil, ErrNotFound
	}

	s := &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		ControllerID: controllerID,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
	m.sessions[s.ID] = s

	for _, ch := range m.deviceWatchers[deviceID] {
		select {
		case ch <- *s:
		default:
		}
	}
	cp := *s
	return &cp, nil
}

// Session returns a copy of a session record.
func (m *Memory) Session(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// SessionsSince lists sessions created against a device at or after
// since, oldest first.
func (m *Memory) SessionsSince(_ context.Context, deviceID string, since time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.DeviceID == deviceID && !s.CreatedAt.Before(since) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// WatchSessionStatus streams status changes, current value first.
func (m *Memory) WatchSessionStatus(ctx context.Context, sessionID string) (<-chan Status, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	ch := make(chan Status, 8)
	ch <- s.Status
	if s.Status.Terminal() {
		close(ch)
		m.mu.Unlock()
		return ch, nil
	}
	m.statusWatchers[sessionID] = append(m.statusWatchers[sessionID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.removeStatusWatcherLocked(sessionID, ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// WatchSessions streams sessions created against a device.
func (m *Memory) WatchSessions(ctx context.Context, deviceID string) (<-chan Session, error) {
	ch := make(chan Session, 8)
	m.mu.Lock()
	m.deviceWatchers[deviceID] = append(m.deviceWatchers[deviceID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		watchers := m.deviceWatchers[deviceID]
		for i, c := range watchers {
			if c == ch {
				m.deviceWatchers[deviceID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// SetSessionStatus moves a session record and fans the change out to
// watchers. Enforces the one-active-session-per-device rule.
func (m *Memory) SetSessionStatus(_ context.Context, sessionID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == status {
		return nil
	}
	if s.Status.Terminal() {
		return fmt.Errorf("directory: session %s is %s, cannot become %s", sessionID, s.Status, status)
	}

	now := time.Now()
	switch status {
	case StatusActive:
		for _, other := range m.sessions {
			if other.ID != s.ID && other.DeviceID == s.DeviceID && other.Status == StatusActive {
				return ErrDeviceBusy
			}
		}
		s.StartedAt = &now
	case StatusEnded, StatusDenied:
		s.EndedAt = &now
	case StatusPending:
		return fmt.Errorf("directory: cannot return session %s to pending", sessionID)
	default:
		return fmt.Errorf("directory: unknown status %q", status)
	}
	s.Status = status

	watchers := m.statusWatchers[sessionID]
	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
	if status.Terminal() {
		for _, ch := range watchers {
			close(ch)
		}
		delete(m.statusWatchers, sessionID)
	}
	return nil
}

func (m *Memory) removeStatusWatcherLocked(sessionID string, ch chan Status) {
	watchers := m.statusWatchers[sessionID]
	for i, c := range watchers {
		if c == ch {
			m.statusWatchers[sessionID] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			return
		}
	}
}
