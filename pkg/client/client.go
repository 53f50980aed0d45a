// Package client implements the forum wire protocol from the client side:
// command datagrams over UDP with bounded retry, and raw attachment streams
// over TCP after a negotiated UPD_OK/DWN_OK.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Defaults for the control-plane retry loop.
const (
	DefaultTimeout = 3 * time.Second
	DefaultRetries = 3
)

// ErrTimeout is returned once every control-plane retry is exhausted.
var ErrTimeout = errors.New("no reply from server after retries")

// Config holds the client's view of the server.
type Config struct {
	// Host is the server's hostname or IP.
	Host string

	// ControlPort is the server's UDP command port.
	ControlPort int

	// DataPort is the server's TCP transfer port.
	DataPort int

	// Timeout is the wait for one reply before retransmitting.
	// Default: 3s
	Timeout time.Duration

	// Retries is how many times a command is sent before giving up.
	// Default: 3
	Retries int
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
}

// Client is a control-plane connection to one forum server. It is not safe
// for concurrent use: the protocol itself is one request, one reply.
type Client struct {
	config Config
	conn   *net.UDPConn
}

// Dial creates a client bound to one local UDP port. The server identifies
// the session by that source address, so all commands of a session must go
// through the same Client.
func Dial(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.ControlPort))
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	return &Client{config: cfg, conn: conn}, nil
}

// Close releases the control-plane socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Exec sends one command and waits for its reply, retransmitting on timeout.
// Returns ErrTimeout when every retry goes unanswered.
func (c *Client) Exec(command string) (string, error) {
	buf := make([]byte, 65535)

	for attempt := 0; attempt < c.config.Retries; attempt++ {
		if _, err := c.conn.Write([]byte(command)); err != nil {
			return "", fmt.Errorf("send command: %w", err)
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.Timeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return "", fmt.Errorf("read reply: %w", err)
		}
		return string(buf[:n]), nil
	}
	return "", ErrTimeout
}

// Login authenticates a session, registering the user when unknown.
// Returns the final protocol reply (LOGIN_SUCCESS, WRONG_PASSWORD or
// USER_IN_USE).
func (c *Client) Login(username, password string) (string, error) {
	reply, err := c.Exec("LOGIN " + username)
	if err != nil {
		return "", err
	}
	switch reply {
	case "EXISTING_USER", "NEW_USER":
		return c.Exec("PWD " + password)
	default:
		return reply, nil
	}
}

// Upload negotiates and performs an attachment upload. The username is the
// trailing token the wire format expects.
func (c *Client) Upload(ctx context.Context, title, filename, username string, content io.Reader) error {
	reply, err := c.Exec(fmt.Sprintf("UPD %s %s %s", title, filename, username))
	if err != nil {
		return err
	}
	if reply != "UPD_OK" {
		return fmt.Errorf("upload rejected: %s", reply)
	}

	conn, err := c.dialData(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := io.Copy(conn, content); err != nil {
		return fmt.Errorf("stream upload: %w", err)
	}
	// Half-close tells the server the file is complete.
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	// The server closes once the attachment is stored.
	_, _ = io.Copy(io.Discard, conn)
	return nil
}

// Download negotiates and performs an attachment download, writing the
// stream to out.
func (c *Client) Download(ctx context.Context, title, filename, username string, out io.Writer) error {
	reply, err := c.Exec(fmt.Sprintf("DWN %s %s %s", title, filename, username))
	if err != nil {
		return err
	}
	if reply != "DWN_OK" {
		return fmt.Errorf("download rejected: %s", reply)
	}

	conn, err := c.dialData(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// End-of-stream is the server closing the connection.
	if _, err := io.Copy(out, conn); err != nil {
		return fmt.Errorf("stream download: %w", err)
	}
	return nil
}

// Logout ends the session.
func (c *Client) Logout() error {
	reply, err := c.Exec("XIT")
	if err != nil {
		return err
	}
	if reply != "XIT_OK" {
		return fmt.Errorf("unexpected logout reply: %s", reply)
	}
	return nil
}

// IsError reports whether a protocol reply is the uniform error form.
func IsError(reply string) bool {
	return strings.HasPrefix(reply, "ERROR:")
}

func (c *Client) dialData(ctx context.Context) (*net.TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.config.Host, c.config.DataPort))
	if err != nil {
		return nil, fmt.Errorf("dial data plane: %w", err)
	}
	return conn.(*net.TCPConn), nil
}
