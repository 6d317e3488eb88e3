package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Client is a thin request/response wrapper used by CLI subcommands to talk
// to a running daemon's control socket. One call is in flight at a time,
// matching how the CLI invokes it: one subcommand, one request, exit.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the control socket at socketPath. The websocket library
// only understands ws(s):// URLs, so the Unix socket is reached by pointing
// a bare http.Client's dialer at it and using a placeholder host.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	conn, _, err := websocket.Dial(ctx, "ws://unix-socket/", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("ipc: dialing %s: %w", socketPath, err)
	}

	return &Client{conn: conn}, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ipc: encoding params: %w", err)
	}

	req := envelope{Kind: kindRequest, ID: uuid.NewString(), Method: method, Params: paramsRaw}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return fmt.Errorf("ipc: sending request: %w", err)
	}

	for {
		var resp envelope
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			return fmt.Errorf("ipc: reading response: %w", err)
		}

		if resp.Kind == kindEvent {
			continue // a background signal raced our request; ignore and keep waiting
		}

		if resp.Error != "" {
			return fmt.Errorf("ipc: %s: %s", method, resp.Error)
		}

		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("ipc: decoding result: %w", err)
			}
		}

		return nil
	}
}

// Download requests an elevated-priority download of path.
func (c *Client) Download(ctx context.Context, path string) error {
	return c.call(ctx, MethodDownload, pathParams{Path: path}, nil)
}

// Pin sets the pin flag on path.
func (c *Client) Pin(ctx context.Context, path string, pinned bool) error {
	return c.call(ctx, MethodPin, pinParams{Path: path, Pinned: pinned}, nil)
}

// Evict requests removal of path's cached bytes.
func (c *Client) Evict(ctx context.Context, path string) error {
	return c.call(ctx, MethodEvict, pathParams{Path: path}, nil)
}

// Retry requeues the most recently failed op on path.
func (c *Client) Retry(ctx context.Context, path string) error {
	return c.call(ctx, MethodRetry, pathParams{Path: path}, nil)
}

// GetState returns path's current sync state.
func (c *Client) GetState(ctx context.Context, path string) (string, error) {
	var res stateResult
	if err := c.call(ctx, MethodGetState, pathParams{Path: path}, &res); err != nil {
		return "", err
	}

	return res.State, nil
}

// Resolve forces an immediate KeepBoth resolution of a path already known
// to be in conflict, without waiting for the daemon's periodic scan.
func (c *Client) Resolve(ctx context.Context, path string) error {
	return c.call(ctx, MethodResolve, pathParams{Path: path}, nil)
}

// ConflictInfo is one unresolved conflict as reported to a CLI caller.
type ConflictInfo struct {
	ID           string
	Path         string
	RenamedLocal string
	Created      int64
	Reason       string
}

// ListConflicts returns every recorded conflict.
func (c *Client) ListConflicts(ctx context.Context) ([]ConflictInfo, error) {
	var res conflictsResult
	if err := c.call(ctx, MethodListConflicts, struct{}{}, &res); err != nil {
		return nil, err
	}

	out := make([]ConflictInfo, 0, len(res.Conflicts))
	for _, c := range res.Conflicts {
		out = append(out, ConflictInfo{
			ID:           c.ID,
			Path:         c.Path,
			RenamedLocal: c.RenamedLocal,
			Created:      c.Created,
			Reason:       c.Reason,
		})
	}

	return out, nil
}
