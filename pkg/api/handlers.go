package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/threadline/pkg/credentials"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/forum/blob"
	"github.com/threadline/threadline/pkg/registry"
)

// Deps are the server components the API reports on. Any field may be nil,
// in which case the corresponding probe reports unhealthy.
type Deps struct {
	Credentials *credentials.Store
	ActiveUsers *registry.ActiveUsers
	Pending     *registry.PendingTransfers
	Threads     *forum.Store
	Attachments *blob.Store
}

// handler serves the health and admin endpoints.
type handler struct {
	deps Deps
}

// liveness handles GET /health.
func (h *handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "threadline",
	}))
}

// readiness handles GET /health/ready. The server is ready once every store
// and registry is wired.
func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.deps.Threads == nil || h.deps.Attachments == nil || h.deps.Credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("stores not initialized"))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"registered_users":  h.deps.Credentials.Count(),
		"active_sessions":   h.deps.ActiveUsers.Count(),
		"pending_transfers": h.deps.Pending.Len(),
	}))
}

// StoreHealth reports the health of one store.
type StoreHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// stores handles GET /health/stores.
func (h *handler) stores(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := []struct {
		name  string
		check func(context.Context) error
	}{
		{"threads", h.checkThreads},
		{"attachments", h.checkAttachments},
	}

	results := make([]StoreHealth, 0, len(checks))
	allHealthy := true
	for _, c := range checks {
		sh := StoreHealth{Name: c.name, Status: "healthy"}
		if err := c.check(ctx); err != nil {
			sh.Status = "unhealthy"
			sh.Error = err.Error()
			allHealthy = false
		}
		results = append(results, sh)
	}

	status := http.StatusOK
	wrap := healthyResponse(results)
	if !allHealthy {
		status = http.StatusServiceUnavailable
		wrap = unhealthyResponse("one or more stores unhealthy")
		wrap.Data = results
	}
	writeJSON(w, status, wrap)
}

func (h *handler) checkThreads(ctx context.Context) error {
	if h.deps.Threads == nil {
		return errNotWired
	}
	return h.deps.Threads.Healthcheck(ctx)
}

func (h *handler) checkAttachments(ctx context.Context) error {
	if h.deps.Attachments == nil {
		return errNotWired
	}
	return h.deps.Attachments.Healthcheck(ctx)
}

// listThreads handles GET /v1/threads: the titles of all valid threads.
func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	if h.deps.Threads == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("thread store not initialized"))
		return
	}
	titles, err := h.deps.Threads.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if titles == nil {
		titles = []string{}
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"threads": titles,
	}))
}

// readThread handles GET /v1/threads/{title}: the thread's records.
func (h *handler) readThread(w http.ResponseWriter, r *http.Request) {
	if h.deps.Threads == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("thread store not initialized"))
		return
	}
	title := chi.URLParam(r, "title")

	creator, err := h.deps.Threads.Creator(r.Context(), title)
	if err != nil {
		h.threadError(w, err)
		return
	}
	records, err := h.deps.Threads.Read(r.Context(), title)
	if err != nil {
		h.threadError(w, err)
		return
	}

	lines := make([]string, len(records))
	for i, rec := range records {
		lines[i] = rec.String()
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"title":   title,
		"creator": creator,
		"records": lines,
	}))
}

// activeUsers handles GET /v1/sessions: usernames with a live session count.
func (h *handler) activeUsers(w http.ResponseWriter, r *http.Request) {
	if h.deps.ActiveUsers == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("registry not initialized"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"active_sessions": h.deps.ActiveUsers.Count(),
	}))
}

func (h *handler) threadError(w http.ResponseWriter, err error) {
	switch forum.CodeOf(err) {
	case forum.ErrNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	case forum.ErrInvalidArgument:
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

type notWiredError struct{}

func (notWiredError) Error() string { return "not initialized" }

var errNotWired = notWiredError{}
