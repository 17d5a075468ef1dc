package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/tasksync/internal/config"
	"github.com/prudhvinik1/tasksync/internal/engine"
	"github.com/prudhvinik1/tasksync/internal/logging"
	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage/memory"
)

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	eng := engine.New(engine.DefaultConfig(), memory.New(), log)
	ts := httptest.NewServer(NewServer(cfg, eng, log).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, clientID uuid.UUID, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if clientID != uuid.Nil {
		req.Header.Set(HeaderClientID, clientID.String())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func addVersion(t *testing.T, ts *httptest.Server, clientID, parent uuid.UUID, segment []byte) uuid.UUID {
	t.Helper()
	resp := doRequest(t, ts, http.MethodPost, "/v1/client/add-version/"+parent.String(),
		clientID, ContentTypeHistorySegment, segment)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	versionID, err := uuid.Parse(resp.Header.Get(HeaderVersionID))
	require.NoError(t, err)
	return versionID
}

func TestClientIDRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := doRequest(t, ts, http.MethodGet,
		"/v1/client/get-child-version/"+models.NilVersionID.String(), uuid.Nil, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet,
		ts.URL+"/v1/client/get-child-version/"+models.NilVersionID.String(), nil)
	require.NoError(t, err)
	req.Header.Set(HeaderClientID, "not-a-uuid")
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestClientIDAllowlist(t *testing.T) {
	allowed := uuid.New()
	ts := newTestServer(t, &config.Config{AllowClientIDs: []uuid.UUID{allowed}})

	resp := doRequest(t, ts, http.MethodGet, "/v1/client/snapshot", uuid.New(), "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet, "/v1/client/snapshot", allowed, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddVersionAndGetChildVersion(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := uuid.New()

	resp := doRequest(t, ts, http.MethodPost,
		"/v1/client/add-version/"+models.NilVersionID.String(),
		clientID, ContentTypeHistorySegment, []byte("seg1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	versionID, err := uuid.Parse(resp.Header.Get(HeaderVersionID))
	require.NoError(t, err)
	// no snapshot yet, so the server asks for one urgently
	assert.Equal(t, "urgency=high", resp.Header.Get(HeaderSnapshotRequest))
	assert.Equal(t, "no-store, max-age=0", resp.Header.Get("Cache-Control"))

	resp = doRequest(t, ts, http.MethodGet,
		"/v1/client/get-child-version/"+models.NilVersionID.String(), clientID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeHistorySegment, resp.Header.Get("Content-Type"))
	assert.Equal(t, versionID.String(), resp.Header.Get(HeaderVersionID))
	assert.Equal(t, models.NilVersionID.String(), resp.Header.Get(HeaderParentVersionID))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("seg1"), body)
}

func TestAddVersionConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := uuid.New()
	v1 := addVersion(t, ts, clientID, models.NilVersionID, []byte("seg1"))

	resp := doRequest(t, ts, http.MethodPost,
		"/v1/client/add-version/"+models.NilVersionID.String(),
		clientID, ContentTypeHistorySegment, []byte("seg2"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, v1.String(), resp.Header.Get(HeaderParentVersionID))
}

func TestAddVersionBadRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := uuid.New()
	path := "/v1/client/add-version/" + models.NilVersionID.String()

	// wrong content type
	resp := doRequest(t, ts, http.MethodPost, path, clientID, "application/octet-stream", []byte("seg"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// empty payload
	resp = doRequest(t, ts, http.MethodPost, path, clientID, ContentTypeHistorySegment, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// unparseable parent
	resp = doRequest(t, ts, http.MethodPost, "/v1/client/add-version/xyz",
		clientID, ContentTypeHistorySegment, []byte("seg"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetChildVersionStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := uuid.New()
	v1 := addVersion(t, ts, clientID, models.NilVersionID, []byte("seg1"))

	// caught up: no child of the head yet
	resp := doRequest(t, ts, http.MethodGet,
		"/v1/client/get-child-version/"+v1.String(), clientID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// unknown parent on a non-empty chain is older history
	resp = doRequest(t, ts, http.MethodGet,
		"/v1/client/get-child-version/"+uuid.New().String(), clientID, "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	clientID := uuid.New()
	v1 := addVersion(t, ts, clientID, models.NilVersionID, []byte("seg1"))
	v2 := addVersion(t, ts, clientID, v1, []byte("seg2"))

	// stale snapshot is refused
	resp := doRequest(t, ts, http.MethodPost, "/v1/client/add-snapshot/"+v1.String(),
		clientID, ContentTypeSnapshot, []byte("old-state"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodPost, "/v1/client/add-snapshot/"+v2.String(),
		clientID, ContentTypeSnapshot, []byte("full-state"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet, "/v1/client/snapshot", clientID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeSnapshot, resp.Header.Get("Content-Type"))
	assert.Equal(t, v2.String(), resp.Header.Get(HeaderVersionID))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("full-state"), body)
}

func TestGetSnapshotNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := doRequest(t, ts, http.MethodGet, "/v1/client/snapshot", uuid.New(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
