package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a Directory talking to the relay server's REST API.
// Watch streams poll, which mirrors how the directory behaves at the
// other end: approval is human-paced.
type HTTPClient struct {
	// BaseURL is the server root, for example "http://relay:8080".
	BaseURL string
	// Client overrides http.DefaultClient, mainly for timeouts.
	Client *http.Client
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

type announceRequest struct {
	DeviceID string         `json:"device_id"`
	Metadata DeviceMetadata `json:"metadata"`
}

type createSessionRequest struct {
	DeviceID     string `json:"device_id"`
	ControllerID string `json:"controller_id"`
}

type setStatusRequest struct {
	Status Status `json:"status"`
}

// Announce posts the device's presence.
func (c *HTTPClient) Announce(ctx context.Context, deviceID string, meta DeviceMetadata) error {
	return c.post(ctx, "/api/announce", announceRequest{DeviceID: deviceID, Metadata: meta}, nil)
}

// CreateSession opens a pending session against a device.
func (c *HTTPClient) CreateSession(ctx context.Context, deviceID, controllerID string) (*Session, error) {
	var sess Session
	err := c.post(ctx, "/api/sessions", createSessionRequest{DeviceID: deviceID, ControllerID: controllerID}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SetSessionStatus moves a session record.
func (c *HTTPClient) SetSessionStatus(ctx context.Context, sessionID string, status Status) error {
	return c.post(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/status", setStatusRequest{Status: status}, nil)
}

// Session fetches one session record.
func (c *HTTPClient) Session(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(sessionID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// WatchSessionStatus polls the session and streams status changes,
// current value first.
func (c *HTTPClient) WatchSessionStatus(ctx context.Context, sessionID string) (<-chan Status, error) {
	sess, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Status, 8)
	ch <- sess.Status
	if sess.Status.Terminal() {
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		last := sess.Status
		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := c.Session(ctx, sessionID)
				if err != nil {
					continue // transient; next tick retries
				}
				if cur.Status == last {
					continue
				}
				last = cur.Status
				select {
				case ch <- last:
				case <-ctx.Done():
					return
				}
				if last.Terminal() {
					return
				}
			}
		}
	}()
	return ch, nil
}

// WatchSessions polls for sessions created against a device after the
// watch began.
func (c *HTTPClient) WatchSessions(ctx context.Context, deviceID string) (<-chan Session, error) {
	since := time.Now().UTC().Add(-time.Second)
	seen := make(map[string]bool)
	ch := make(chan Session, 8)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var sessions []Session
				path := fmt.Sprintf("/api/sessions?device_id=%s&since=%s",
					url.QueryEscape(deviceID), url.QueryEscape(since.Format(time.RFC3339)))
				if err := c.get(ctx, path, &sessions); err != nil {
					continue
				}
				for _, sess := range sessions {
					if seen[sess.ID] {
						continue
					}
					seen[sess.ID] = true
					select {
					case ch <- sess:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (c *HTTPClient) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrDeviceBusy
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory: %s %s: HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("directory: decode response: %w", err)
		}
	}
	return nil
}
