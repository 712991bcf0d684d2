package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotRunning is returned when nothing is listening on the socket.
var ErrNotRunning = errors.New("daemon is not running")

// Client communicates with the daemon over a Unix domain socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client that connects to the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// Ping tests if the daemon is alive.
func (c *Client) Ping() error {
	var pong string
	if err := c.call(Request{Command: "ping"}, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Status returns the daemon's status data.
func (c *Client) Status() (*StatusData, error) {
	var status StatusData
	if err := c.call(Request{Command: "status"}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RequestStop asks the daemon to shut down gracefully.
func (c *Client) RequestStop() error {
	return c.call(Request{Command: "stop"}, nil)
}

// rawResponse mirrors Response with Data left undecoded.
type rawResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// call dials the socket, sends a JSON request and decodes the response data
// into out, which may be nil.
func (c *Client) call(req Request, out interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return errors.New("empty response from daemon")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon error: %s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("unmarshal %s data: %w", req.Command, err)
		}
	}
	return nil
}
