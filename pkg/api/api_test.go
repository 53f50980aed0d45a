package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/pkg/credentials"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/forum/blob"
	"github.com/threadline/threadline/pkg/registry"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	dir := t.TempDir()

	creds := credentials.NewStore(filepath.Join(dir, "credentials.txt"))
	require.NoError(t, creds.Load())

	threads, err := forum.NewStore(filepath.Join(dir, "threads"), creds)
	require.NoError(t, err)

	blobs, err := blob.Open(filepath.Join(dir, "attachments"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	return Deps{
		Credentials: creds,
		ActiveUsers: registry.NewActiveUsers(),
		Pending:     registry.NewPendingTransfers(time.Minute),
		Threads:     threads,
		Attachments: blobs,
	}
}

func get(t *testing.T, router http.Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestLiveness(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	rec, resp := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadiness(t *testing.T) {
	deps := newTestDeps(t)
	deps.ActiveUsers.Claim("alice")
	router := NewRouter(deps)

	rec, resp := get(t, router, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["active_sessions"])
}

func TestReadinessUnwired(t *testing.T) {
	router := NewRouter(Deps{})

	rec, resp := get(t, router, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", resp.Status)
}

func TestStoreHealth(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	rec, resp := get(t, router, "/health/stores")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)
}

func TestListThreads(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	_, err := deps.Credentials.PutIfAbsent("alice", "pw1")
	require.NoError(t, err)
	require.NoError(t, deps.Threads.Create(ctx, "coffee", "alice"))
	router := NewRouter(deps)

	rec, resp := get(t, router, "/v1/threads")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"coffee"}, data["threads"])
}

func TestReadThread(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Threads.Create(ctx, "coffee", "alice"))
	_, err := deps.Threads.Post(ctx, "coffee", "alice", "hello world")
	require.NoError(t, err)
	router := NewRouter(deps)

	rec, resp := get(t, router, "/v1/threads/coffee")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "alice", data["creator"])
	assert.Equal(t, []interface{}{"1 alice: hello world"}, data["records"])
}

func TestReadThreadNotFound(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	rec, resp := get(t, router, "/v1/threads/absent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", resp.Status)
}
