package server

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/pkg/api"
	"github.com/threadline/threadline/pkg/client"
	"github.com/threadline/threadline/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	disabled := false
	return &config.Config{
		Logging: config.LoggingConfig{Level: "ERROR", Format: "text"},
		Server: config.ServerConfig{
			ControlPort:        0,
			DataPort:           0,
			MaxSessions:        64,
			ReservationTTL:     time.Minute,
			TransferIOTimeout:  10 * time.Second,
			MaxAttachmentBytes: 1 << 20,
		},
		Storage: config.StorageConfig{
			DataDir:          t.TempDir(),
			WatchCredentials: &disabled,
		},
		Metrics:         config.MetricsConfig{Enabled: false},
		API:             api.Config{Enabled: &disabled},
		ShutdownTimeout: 10 * time.Second,
	}
}

func startServer(t *testing.T) *Server {
	t.Helper()

	cfg := testConfig(t)
	cfg.Storage.CredentialsFile = cfg.Storage.DataDir + "/credentials.txt"

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(15 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func dialClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()

	c, err := client.Dial(client.Config{
		Host:        "127.0.0.1",
		ControlPort: portOf(t, srv.ControlAddr()),
		DataPort:    portOf(t, srv.DataAddr()),
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func portOf(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestMessageLifecycleEndToEnd(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	reply, err := c.Login("alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, "LOGIN_SUCCESS", reply)

	exec := func(cmd string) string {
		t.Helper()
		r, err := c.Exec(cmd)
		require.NoError(t, err)
		return r
	}

	assert.Equal(t, "Thread coffee created", exec("CRT coffee alice"))
	assert.Equal(t, "Posted message 1 to coffee", exec("MSG coffee hello world alice"))
	assert.Equal(t, "Posted message 2 to coffee", exec("MSG coffee second alice"))
	assert.Equal(t, "Deleted message 1 from coffee", exec("DLT coffee 1 alice"))

	// The surviving message is renumbered from 2 to 1.
	assert.Equal(t, "1 alice: second", exec("RDT coffee alice"))

	assert.Equal(t, "coffee", exec("LST alice"))
	require.NoError(t, c.Logout())
}

func TestAttachmentRoundTripEndToEnd(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	ctx := context.Background()

	reply, err := c.Login("alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, "LOGIN_SUCCESS", reply)

	_, err = c.Exec("CRT coffee alice")
	require.NoError(t, err)

	payload := []byte("attachment payload \x00\xff")
	require.NoError(t, c.Upload(ctx, "coffee", "photo.png", "alice", bytes.NewReader(payload)))

	// The audit record lands in the thread once the upload is stored.
	require.Eventually(t, func() bool {
		r, err := c.Exec("RDT coffee alice")
		return err == nil && r == "alice uploaded photo.png"
	}, 5*time.Second, 50*time.Millisecond)

	// A duplicate upload for the same key is rejected at negotiation.
	err = c.Upload(ctx, "coffee", "photo.png", "alice", bytes.NewReader(payload))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already uploaded")

	var out bytes.Buffer
	require.NoError(t, c.Download(ctx, "coffee", "photo.png", "alice", &out))
	assert.Equal(t, payload, out.Bytes())

	require.NoError(t, c.Logout())
}

func TestSecondSessionForSameUserRejected(t *testing.T) {
	srv := startServer(t)

	first := dialClient(t, srv)
	reply, err := first.Login("alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, "LOGIN_SUCCESS", reply)

	second := dialClient(t, srv)
	reply, err = second.Login("alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, "USER_IN_USE", reply)

	// Logging the first session out frees the username.
	require.NoError(t, first.Logout())
	require.Eventually(t, func() bool {
		r, err := second.Login("alice", "pw1")
		return err == nil && r == "LOGIN_SUCCESS"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWrongPasswordEndToEnd(t *testing.T) {
	srv := startServer(t)

	first := dialClient(t, srv)
	reply, err := first.Login("alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, "LOGIN_SUCCESS", reply)
	require.NoError(t, first.Logout())

	second := dialClient(t, srv)
	reply, err = second.Login("alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, "WRONG_PASSWORD", reply)
}
