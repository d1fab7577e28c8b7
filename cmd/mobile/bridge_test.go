package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
)

func newRemote(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/daily-logs" {
			creates.Add(1)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"srv-1","version":1}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &creates
}

func initTestCore(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("SITESYNC_LOG_LEVEL", "error")
	require.NoError(t, initCore(context.Background(), t.TempDir(), baseURL, "token"))
	t.Cleanup(func() { cleanupCore() })
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m), "json: %s", s)
	return m
}

func TestBridge_notInitialized(t *testing.T) {
	require.NoError(t, cleanupCore())
	ctx := context.Background()

	_, err := enqueue(ctx, "create_daily_log", "", `{}`, 1)
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = runOnce(ctx)
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = outstanding(ctx)
	assert.ErrorIs(t, err, errNotInitialized)
}

func TestBridge_enqueueAndDrain(t *testing.T) {
	srv, creates := newRemote(t)
	initTestCore(t, srv.URL)
	ctx := context.Background()

	out, err := enqueue(ctx, "create_daily_log", "", `{"project_id":"project-1","date":"2026-03-02","crew_count":12}`, 0)
	require.NoError(t, err)
	rec := decode(t, out)
	assert.NotEmpty(t, rec["id"])
	assert.Equal(t, "pending", rec["status"])

	out, err = outstanding(ctx)
	require.NoError(t, err)
	counts := decode(t, out)
	assert.EqualValues(t, 1, counts["pending"])
	assert.EqualValues(t, 1, counts["total"])

	out, err = runOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["succeeded"])
	assert.EqualValues(t, 1, creates.Load())

	out, err = outstanding(ctx)
	require.NoError(t, err)
	counts = decode(t, out)
	assert.EqualValues(t, 0, counts["total"])
	assert.EqualValues(t, 1, counts["synced"])
}

func TestBridge_enqueueRejectsBadInput(t *testing.T) {
	srv, _ := newRemote(t)
	initTestCore(t, srv.URL)
	ctx := context.Background()

	_, err := enqueue(ctx, "launch_rocket", "", `{}`, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "err = %v", err)

	_, err = enqueue(ctx, "create_daily_log", "", `{"project_id":`, 1)
	assert.Error(t, err)

	_, err = enqueue(ctx, "create_daily_log", "", `{"project_id":"p"}`, 7)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "err = %v", err)

	_, err = enqueue(ctx, "update_daily_log", "", `{"project_id":"p"}`, 1)
	assert.Error(t, err, "edits need a resource id")
}

func TestBridge_initRequiresRemote(t *testing.T) {
	err := initCore(context.Background(), t.TempDir(), "", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "err = %v", err)
}

func TestBridge_reinitReplacesCore(t *testing.T) {
	srv, _ := newRemote(t)
	initTestCore(t, srv.URL)
	ctx := context.Background()

	_, err := enqueue(ctx, "create_daily_log", "", `{"project_id":"p","date":"2026-03-02"}`, 1)
	require.NoError(t, err)

	require.NoError(t, initCore(ctx, t.TempDir(), srv.URL, ""))
	out, err := outstanding(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, decode(t, out)["total"], "fresh data dir")
}

func TestBridge_reinitSameDataDir(t *testing.T) {
	srv, _ := newRemote(t)
	t.Setenv("SITESYNC_LOG_LEVEL", "error")
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, initCore(ctx, dir, srv.URL, ""))
	t.Cleanup(func() { cleanupCore() })
	_, err := enqueue(ctx, "create_daily_log", "", `{"project_id":"p","date":"2026-03-02"}`, 1)
	require.NoError(t, err)

	require.NoError(t, initCore(ctx, dir, srv.URL, ""), "previous core releases the data dir lock")
	out, err := outstanding(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["pending"])
}

func TestLastError(t *testing.T) {
	setLastError(errNotInitialized)
	assert.Equal(t, errNotInitialized.Error(), getLastError())
	setLastError(nil)
	assert.Empty(t, getLastError())
}
