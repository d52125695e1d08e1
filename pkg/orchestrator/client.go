// Package orchestrator is the typed client for the control-plane REST
// surface and the UDP liveness channel. The agent only consumes these
// endpoints; it never serves any.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

const (
	// StatusSuccess means the operation was performed.
	StatusSuccess = http.StatusOK
	// StatusExists means the resource already existed with the same key.
	StatusExists = http.StatusSeeOther
)

// ErrTransport marks HTTP-level failures (connection refused, timeout,
// malformed response). These are retried by the containing loop and must
// never crash the agent.
var ErrTransport = errors.New("orchestrator transport failure")

// Client talks to the orchestrator REST API at
// http://<server_ip>:<server_api_port>.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the given server address.
func NewClient(serverIP string, apiPort int) *Client {
	return &Client{
		base: fmt.Sprintf("http://%s:%d", serverIP, apiPort),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to encode request body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrTransport, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(ErrTransport, "%s %s: reading body: %v", method, path, err)
	}
	return resp.StatusCode, payload, nil
}

// GetConfig fetches the remote configuration map. Keys with null values
// must be ignored by the caller.
func (c *Client) GetConfig(ctx context.Context) (map[string]interface{}, int, error) {
	code, body, err := c.do(ctx, http.MethodGet, "/config", nil)
	if err != nil {
		return nil, code, err
	}
	if code != StatusSuccess {
		return nil, code, errors.Errorf("get config returned %d", code)
	}
	var conf map[string]interface{}
	if err := json.Unmarshal(body, &conf); err != nil {
		return nil, code, errors.Wrap(ErrTransport, "malformed config payload")
	}
	return conf, code, nil
}

// AddNode registers the node in the orchestrated topology. ok is true on
// 200 and 303; a 303 means another agent already owns the id and the caller
// must treat it as a fatal conflict.
func (c *Client) AddNode(ctx context.Context, n *fogtypes.Node) (bool, int, error) {
	code, _, err := c.do(ctx, http.MethodPost, "/node", n)
	if err != nil {
		return false, code, err
	}
	return code == StatusSuccess || code == StatusExists, code, nil
}

// DeleteNode withdraws the node from the orchestrated topology.
func (c *Client) DeleteNode(ctx context.Context, n *fogtypes.Node) (bool, int, error) {
	code, _, err := c.do(ctx, http.MethodDelete, "/node/"+n.ID, nil)
	if err != nil {
		return false, code, err
	}
	return code == StatusSuccess || code == StatusExists, code, nil
}

// UpdateNodeSpecs pushes the node's live specs (including interface specs).
func (c *Client) UpdateNodeSpecs(ctx context.Context, n *fogtypes.Node) (bool, int, error) {
	code, _, err := c.do(ctx, http.MethodPut, "/node_specs/"+n.ID, n)
	if err != nil {
		return false, code, err
	}
	return code == StatusSuccess || code == StatusExists, code, nil
}

// AddRequest reports a completed hosting request for server-side logging.
func (c *Client) AddRequest(ctx context.Context, r *fogtypes.Request) (bool, int, error) {
	code, _, err := c.do(ctx, http.MethodPost, "/request", r)
	if err != nil {
		return false, code, err
	}
	return code == StatusSuccess || code == StatusExists, code, nil
}
