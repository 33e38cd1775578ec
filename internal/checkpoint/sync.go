package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// SyncClient mirrors checkpoints to the backend. All calls are scoped by
// user id and session id. Upsert skips requests whose canonicalized body is
// identical to the last successful one for the session.
type SyncClient struct {
	BaseURL string
	UserID  string
	HTTP    *http.Client

	mu          sync.Mutex
	lastDigests map[string]string
}

func NewSyncClient(baseURL, userID string) *SyncClient {
	return &SyncClient{
		BaseURL:     baseURL,
		UserID:      userID,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		lastDigests: map[string]string{},
	}
}

func (c *SyncClient) endpoint(path, sessionID string) string {
	values := url.Values{}
	values.Set("user_id", c.UserID)
	if sessionID != "" {
		values.Set("session_id", sessionID)
	}
	return c.BaseURL + path + "?" + values.Encode()
}

// digest canonicalizes the body (RFC 8785) and hashes it, so field ordering
// differences never defeat the dedup.
func digest(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Upsert pushes the full checkpoint body to the backend.
func (c *SyncClient) Upsert(ctx context.Context, cp *Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum, err := digest(body)
	if err != nil {
		return fmt.Errorf("digest checkpoint: %w", err)
	}
	c.mu.Lock()
	unchanged := c.lastDigests[cp.SessionID] == sum
	c.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("/checkpoint/sync", cp.SessionID), body, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastDigests[cp.SessionID] = sum
	c.mu.Unlock()
	return nil
}

// Fetch returns the backend's checkpoint for the session, or nil when the
// backend has none.
func (c *SyncClient) Fetch(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	found, err := c.doGet(ctx, c.endpoint("/checkpoint", sessionID), &cp)
	if err != nil || !found {
		return nil, err
	}
	return &cp, nil
}

// Interrupt marks the session's checkpoint interrupted on the backend.
func (c *SyncClient) Interrupt(ctx context.Context, sessionID, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	return c.do(ctx, http.MethodPost, c.endpoint("/checkpoint/interrupt", sessionID), body, nil)
}

// Complete marks the session's checkpoint completed on the backend.
func (c *SyncClient) Complete(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/checkpoint/complete", sessionID), nil, nil)
}

// ListInterrupted returns every interrupted checkpoint for the user.
func (c *SyncClient) ListInterrupted(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	if _, err := c.doGet(ctx, c.endpoint("/checkpoint/interrupted/list", ""), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the session's checkpoint from the backend.
func (c *SyncClient) Delete(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("/checkpoint", sessionID), nil, nil)
}

func (c *SyncClient) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync request returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// doGet reports found=false for a 404 instead of an error.
func (c *SyncClient) doGet(ctx context.Context, endpoint string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("sync request returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, err
	}
	return true, nil
}
