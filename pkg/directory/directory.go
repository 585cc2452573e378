// Package directory defines the discovery and registration collaborator
// the session core depends on: device presence, session records, and
// status streams. The core consumes this narrow interface; the relay
// server ships a SQLite-backed implementation and an HTTP client for
// remote use.
package directory

import (
	"context"
	"errors"
	"time"
)

// Status is a session record's lifecycle value as stored in the
// directory. It is distinct from the in-memory state machine state: the
// directory only tracks what both peers and any approval UI need to
// agree on.
type Status string

const (
	StatusPending Status = "pending" // created, waiting for agent-side approval
	StatusActive  Status = "active"  // approved; peers may negotiate
	StatusDenied  Status = "denied"  // rejected by the agent side or policy
	StatusEnded   Status = "ended"   // finished or abandoned
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool { return s == StatusDenied || s == StatusEnded }

// ErrDeviceBusy is returned when activating a session would violate the
// one-active-session-per-device rule.
var ErrDeviceBusy = errors.New("directory: device already has an active session")

// ErrNotFound is returned for unknown device or session IDs.
var ErrNotFound = errors.New("directory: not found")

// DeviceMetadata accompanies presence announcements.
type DeviceMetadata struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Device is one announced device's presence record.
type Device struct {
	ID       string         `json:"id"`
	Metadata DeviceMetadata `json:"metadata"`
	LastSeen time.Time      `json:"last_seen"`
}

// Session is the persistent record of one remote-control engagement.
type Session struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	ControllerID string     `json:"controller_id"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Directory is the discovery/registration service contract.
//
// Watch channels deliver the current value first, then every change,
// and close when the watched status turns terminal or ctx is done.
type Directory interface {
	// Announce records device presence; called periodically by agents.
	Announce(ctx context.Context, deviceID string, meta DeviceMetadata) error

	// CreateSession opens a pending session record against a device.
	CreateSession(ctx context.Context, deviceID, controllerID string) (*Session, error)

	// WatchSessionStatus streams a session's status changes. Used by
	// the controller to wait out the approval step.
	WatchSessionStatus(ctx context.Context, sessionID string) (<-chan Status, error)

	// WatchSessions streams session records newly created against a
	// device, so an agent can pick up incoming engagements.
	WatchSessions(ctx context.Context, deviceID string) (<-chan Session, error)

	// SetSessionStatus moves a session record. Activating a session
	// whose device already has an active one fails with ErrDeviceBusy;
	// transitions out of a terminal status are rejected except for the
	// idempotent re-assertion of the same terminal status.
	SetSessionStatus(ctx context.Context, sessionID string, status Status) error
}
