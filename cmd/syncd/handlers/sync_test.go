package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/sitesync/internal/models"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/sync/scheduler"
)

type testAPI struct {
	server *httptest.Server
	engine *syncpkg.Engine
	store  *queue.MemoryStore
}

// newTestAPI wires the handlers over an in-memory queue whose remote rejects
// every edit with a version conflict and accepts every create.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := queue.NewMemoryStore()
	applier := syncpkg.ApplierFunc(func(ctx context.Context, req syncpkg.ApplyRequest) (syncpkg.ApplyResult, error) {
		if req.Record.ActionType.IsCreate() {
			return syncpkg.ApplyResult{ServerID: "srv-1", NewVersion: 1}, nil
		}
		return syncpkg.ApplyResult{}, &conflict.VersionConflictError{
			BaseVersion:   req.Payload.Meta().BaseVersion,
			ServerVersion: 3,
			Snapshot:      json.RawMessage(`{"notes":"edited on the server","crew_count":9}`),
		}
	})
	engine := syncpkg.New(store, syncpkg.WithApplier(applier))
	sched := scheduler.NewScheduler(engine, nil)
	resolver := conflict.NewResolver(store, nil)

	handler := NewSyncHandler(sched, engine, store, resolver)
	server := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(server.Close)

	return &testAPI{server: server, engine: engine, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func (a *testAPI) enqueueEdit(t *testing.T) *models.ActionRecord {
	t.Helper()
	rec, err := a.engine.EnqueuePayload(context.Background(), &models.UpdateDailyLog{
		VersionedPayload: models.VersionedPayload{BaseVersion: 2},
		ProjectID:        "project-1",
		Date:             "2026-03-02",
		Notes:            "rebar inspection passed",
	}, "log-1", models.PriorityNormal)
	require.NoError(t, err)
	return rec
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestSyncHandler_conflictLifecycle(t *testing.T) {
	api := newTestAPI(t)
	rec := api.enqueueEdit(t)

	status, body := api.do(t, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["conflicted"])

	status, body = api.do(t, http.MethodGet, "/api/sync/conflicts", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	conflicts := body["conflicts"].([]interface{})
	assert.Equal(t, rec.ID, conflicts[0].(map[string]interface{})["id"])

	status, body = api.do(t, http.MethodPost, "/api/sync/conflicts/"+rec.ID+"/resolve", `{"strategy":"client_wins"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "client_wins", body["strategy"])
	requeuedID, _ := body["requeued_id"].(string)
	require.NotEmpty(t, requeuedID)

	requeued, err := api.store.GetByID(context.Background(), requeuedID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, requeued.Status)
	payload, err := requeued.DecodePayload()
	require.NoError(t, err)
	assert.EqualValues(t, 3, payload.Meta().BaseVersion)

	_, err = api.store.GetByID(context.Background(), rec.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	status, body = api.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, status)
	outstanding := body["outstanding"].(map[string]interface{})
	assert.EqualValues(t, 1, outstanding["pending"])
	assert.EqualValues(t, 0, outstanding["conflict"])
	assert.NotNil(t, body["last_summary"])
}

func TestSyncHandler_ResolveConflict(t *testing.T) {
	api := newTestAPI(t)
	rec := api.enqueueEdit(t)

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"unknown strategy", rec.ID, `{"strategy":"coin_flip"}`, http.StatusBadRequest},
		{"bad body", rec.ID, `{`, http.StatusBadRequest},
		{"unknown record", "missing", `{"strategy":"server_wins"}`, http.StatusNotFound},
		{"not in conflict", rec.ID, `{"strategy":"server_wins"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, http.MethodPost, "/api/sync/conflicts/"+tt.id+"/resolve", tt.body)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSyncHandler_mergeResolution(t *testing.T) {
	api := newTestAPI(t)
	rec := api.enqueueEdit(t)
	status, _ := api.do(t, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, status)

	status, body := api.do(t, http.MethodPost, "/api/sync/conflicts/"+rec.ID+"/resolve", `{"strategy":"merge"}`)
	require.Equal(t, http.StatusOK, status)

	requeued, err := api.store.GetByID(context.Background(), body["requeued_id"].(string))
	require.NoError(t, err)
	payload, err := requeued.DecodePayload()
	require.NoError(t, err)
	merged := payload.(*models.UpdateDailyLog)
	assert.Equal(t, "rebar inspection passed", merged.Notes)
	assert.Equal(t, 9, merged.CrewCount)
}

func TestSyncHandler_DiscardRecord(t *testing.T) {
	api := newTestAPI(t)
	rec := api.enqueueEdit(t)

	status, _ := api.do(t, http.MethodDelete, "/api/sync/records/"+rec.ID, "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body := api.do(t, http.MethodDelete, "/api/sync/records/"+rec.ID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestSyncHandler_discardSynced(t *testing.T) {
	api := newTestAPI(t)
	rec, err := api.engine.EnqueuePayload(context.Background(), &models.CreateDailyLog{
		ProjectID: "project-1",
		Date:      "2026-03-03",
	}, "", models.PriorityHigh)
	require.NoError(t, err)

	status, body := api.do(t, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["succeeded"])

	status, _ = api.do(t, http.MethodDelete, "/api/sync/records/"+rec.ID, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSyncHandler_SetOnline(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodPost, "/api/sync/online", `{"online":false}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["online"])

	status, body = api.do(t, http.MethodPost, "/api/sync/now", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "SYNC_TRANSPORT", body["code"])

	status, body = api.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["is_online"])

	status, _ = api.do(t, http.MethodPost, "/api/sync/online", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(syncpkg.ErrRunInProgress))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(scheduler.ErrOffline))
	assert.Equal(t, http.StatusConflict, statusFor(queue.ErrNotEditable))
	assert.Equal(t, http.StatusNotFound, statusFor(queue.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestRouter_methodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Post(api.server.URL+"/api/health", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
