package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/pulse/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the daemon API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health fetches daemon health
func (c *Client) Health() (*Health, error) {
	var h Health
	if err := c.get("/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListActions fetches the pending action log
func (c *Client) ListActions() ([]models.PendingAction, error) {
	var actions []models.PendingAction
	return actions, c.get("/actions", &actions)
}

// ListDeadLetters fetches abandoned actions
func (c *Client) ListDeadLetters() ([]models.DeadLetter, error) {
	var dead []models.DeadLetter
	return dead, c.get("/actions/dead", &dead)
}

// ListConnections fetches connection records
func (c *Client) ListConnections() ([]models.ConnectionRecord, error) {
	var recs []models.ConnectionRecord
	return recs, c.get("/connections", &recs)
}

// Scheduler fetches the background scheduler status
func (c *Client) Scheduler() (*SchedulerInfo, error) {
	var st SchedulerInfo
	if err := c.get("/scheduler", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sync drains the queue now
func (c *Client) Sync() (*models.SyncResult, error) {
	resp, err := c.httpClient.Post(c.baseURL+"/sync", "application/json", nil)
	if err != nil {
		return nil, err
	}
	var res models.SyncResult
	if err := decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Snapshot loads everything the dashboard shows. The daemon is reported
// offline when health cannot be fetched.
func (c *Client) Snapshot() Snapshot {
	var snap Snapshot
	h, err := c.Health()
	if err != nil {
		snap.Err = err
		return snap
	}
	snap.DaemonOnline = true
	snap.Health = *h

	if snap.Pending, err = c.ListActions(); err != nil {
		snap.Err = err
		return snap
	}
	if snap.Dead, err = c.ListDeadLetters(); err != nil {
		snap.Err = err
		return snap
	}
	if snap.Connections, err = c.ListConnections(); err != nil {
		snap.Err = err
		return snap
	}
	if st, err := c.Scheduler(); err == nil {
		snap.Scheduler = st
	}
	return snap
}
