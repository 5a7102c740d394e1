package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/esp-monitor/backend/internal/capture"
	"github.com/esp-monitor/backend/internal/history"
	"github.com/esp-monitor/backend/internal/models"
	"github.com/esp-monitor/backend/internal/session"
	"github.com/esp-monitor/backend/internal/storage"
	"github.com/esp-monitor/backend/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fixture struct {
	handler *Handler
	router  *capture.Router
	manager *session.Manager
	port    *testutil.FakePort
	e       *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router := capture.NewRouter(capture.NewClassifier(), nil, capture.Options{})
	port := testutil.NewFakePort()
	manager := session.NewManager(router, session.Options{Open: port.Open()})
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return &fixture{
		handler: NewHandler(manager, router, store, nil),
		router:  router,
		manager: manager,
		port:    port,
		e:       echo.New(),
	}
}

func (f *fixture) request(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return f.e.NewContext(req, rec), rec
}

func apiErrOf(t *testing.T, err error) *APIError {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected *APIError, got %v", err)
	return apiErr
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	c, rec := f.request(http.MethodGet, "/api/health", "")

	require.NoError(t, f.handler.HandleHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleListPorts(t *testing.T) {
	f := newFixture(t)
	f.handler.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyUSB0", "/dev/ttyACM1"}, nil
	}

	c, rec := f.request(http.MethodGet, "/api/ports", "")
	require.NoError(t, f.handler.HandleListPorts(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "/dev/ttyUSB0")
	assert.Contains(t, body, `"defaultBaud":115200`)
	assert.Contains(t, body, "9600")
}

func TestHandleListPortsEmptyIsArrayNotNull(t *testing.T) {
	f := newFixture(t)
	f.handler.listPorts = func() ([]string, error) { return nil, nil }

	c, rec := f.request(http.MethodGet, "/api/ports", "")
	require.NoError(t, f.handler.HandleListPorts(c))
	assert.Contains(t, rec.Body.String(), `"ports":[]`)
}

func TestHandleStartSession(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request(http.MethodPost, "/api/session", `{"device":"/dev/ttyUSB0","baud":9600}`)
	require.NoError(t, f.handler.HandleStartSession(c))
	defer f.manager.Stop()

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"capturing"`)
	assert.Contains(t, rec.Body.String(), `"baud":9600`)
}

func TestHandleStartSessionDefaultsBaud(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request(http.MethodPost, "/api/session", `{"device":"/dev/ttyUSB0"}`)
	require.NoError(t, f.handler.HandleStartSession(c))
	defer f.manager.Stop()

	assert.Contains(t, rec.Body.String(), `"baud":115200`)
}

func TestHandleStartSessionValidation(t *testing.T) {
	f := newFixture(t)

	c, _ := f.request(http.MethodPost, "/api/session", `{"baud":9600}`)
	apiErr := apiErrOf(t, f.handler.HandleStartSession(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
}

func TestHandleStartSessionConflict(t *testing.T) {
	f := newFixture(t)

	c, _ := f.request(http.MethodPost, "/api/session", `{"device":"/dev/ttyUSB0"}`)
	require.NoError(t, f.handler.HandleStartSession(c))
	defer f.manager.Stop()

	c2, _ := f.request(http.MethodPost, "/api/session", `{"device":"/dev/ttyUSB1"}`)
	apiErr := apiErrOf(t, f.handler.HandleStartSession(c2))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "SESSION_ACTIVE", apiErr.Code)
}

func TestHandleStopWithoutSession(t *testing.T) {
	f := newFixture(t)

	c, _ := f.request(http.MethodDelete, "/api/session", "")
	apiErr := apiErrOf(t, f.handler.HandleStopSession(c))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NO_SESSION", apiErr.Code)
}

func TestHandleSessionStatusBeforeAnyStart(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request(http.MethodGet, "/api/session", "")
	require.NoError(t, f.handler.HandleSessionStatus(c))
	assert.Contains(t, rec.Body.String(), `"capturing":false`)
	assert.Contains(t, rec.Body.String(), `"session":null`)
}

func TestHandleGetBuffer(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("alpha\nbeta\n"))

	c, rec := f.request(http.MethodGet, "/api/buffers/debug", "")
	c.SetParamNames("tag")
	c.SetParamValues("debug")

	require.NoError(t, f.handler.HandleGetBuffer(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alpha")
	assert.Contains(t, rec.Body.String(), "beta")
	assert.Contains(t, rec.Body.String(), `"total":2`)
}

func TestHandleGetBufferSince(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("alpha\nbeta\n"))

	c, rec := f.request(http.MethodGet, "/api/buffers/debug?since=1", "")
	c.SetParamNames("tag")
	c.SetParamValues("debug")

	require.NoError(t, f.handler.HandleGetBuffer(c))
	body := rec.Body.String()
	assert.NotContains(t, body, "alpha")
	assert.Contains(t, body, "beta")
}

func TestHandleGetBufferUnknownTag(t *testing.T) {
	f := newFixture(t)

	c, _ := f.request(http.MethodGet, "/api/buffers/bogus", "")
	c.SetParamNames("tag")
	c.SetParamValues("bogus")

	apiErr := apiErrOf(t, f.handler.HandleGetBuffer(c))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHandleGetBufferMsgpack(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("packed line\n"))

	c, rec := f.request(http.MethodGet, "/api/buffers/debug/msgpack", "")
	c.SetParamNames("tag")
	c.SetParamValues("debug")

	require.NoError(t, f.handler.HandleGetBufferMsgpack(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var decoded map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "debug", decoded["tag"])
	assert.EqualValues(t, 1, decoded["total"])
}

func TestHandleClearBuffer(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("gone soon\n"))
	require.Equal(t, 1, f.router.Buffer(models.TagDebug).Len())

	c, rec := f.request(http.MethodDelete, "/api/buffers/debug", "")
	c.SetParamNames("tag")
	c.SetParamValues("debug")

	require.NoError(t, f.handler.HandleClearBuffer(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.router.Buffer(models.TagDebug).Len())
}

func TestHandleSaveBuffer(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("saved line\n"))

	c, rec := f.request(http.MethodPost, "/api/buffers/debug/save", "")
	c.SetParamNames("tag")
	c.SetParamValues("debug")

	require.NoError(t, f.handler.HandleSaveBuffer(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"debug_`)

	// The buffer itself is untouched by a save.
	assert.Equal(t, 1, f.router.Buffer(models.TagDebug).Len())
}

func TestHandleSavedFilesLifecycle(t *testing.T) {
	f := newFixture(t)
	f.router.OnChunk([]byte("file content\n"))

	info, err := f.handler.store.SaveRecords(models.TagDebug, f.router.Buffer(models.TagDebug).Snapshot())
	require.NoError(t, err)

	c, rec := f.request(http.MethodGet, "/api/files/recent", "")
	require.NoError(t, f.handler.HandleListSaved(c))
	assert.Contains(t, rec.Body.String(), info.Name)

	c, rec = f.request(http.MethodGet, "/api/files/"+info.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	require.NoError(t, f.handler.HandleDownloadSaved(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "file content")

	c, rec = f.request(http.MethodDelete, "/api/files/"+info.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	require.NoError(t, f.handler.HandleDeleteSaved(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	c, _ = f.request(http.MethodGet, "/api/files/"+info.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	apiErr := apiErrOf(t, f.handler.HandleDownloadSaved(c))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHandleSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request(http.MethodGet, "/api/settings", "")
	require.NoError(t, f.handler.HandleGetSettings(c))
	assert.Contains(t, rec.Body.String(), `"timestamps":false`)

	c, rec = f.request(http.MethodPut, "/api/settings", `{"timestamps":true}`)
	require.NoError(t, f.handler.HandleUpdateSettings(c))
	assert.Contains(t, rec.Body.String(), `"timestamps":true`)
	assert.True(t, f.router.Timestamps())

	c, _ = f.request(http.MethodPut, "/api/settings", `{}`)
	apiErr := apiErrOf(t, f.handler.HandleUpdateSettings(c))
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
}

func TestHandleUploadRules(t *testing.T) {
	f := newFixture(t)

	doc := "rules:\n  - prefix: \"DBG:\"\n    tag: debug\n  - prefix: \"APP:\"\n    tag: log\n"
	req := httptest.NewRequest(http.MethodPost, "/api/settings/rules", strings.NewReader(doc))
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)

	require.NoError(t, f.handler.HandleUploadRules(c))
	assert.Contains(t, rec.Body.String(), `"rulesCount":2`)

	f.router.OnChunk([]byte("APP: routed by rule\n"))
	assert.Equal(t, 1, f.router.Buffer(models.TagLog).Len())
}

func TestHandleUploadRulesRejectsBadDocument(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/settings/rules", strings.NewReader("rules:\n  - prefix: \"X\"\n    tag: bogus\n"))
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)

	apiErr := apiErrOf(t, f.handler.HandleUploadRules(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestHandleHistoryDisabled(t *testing.T) {
	f := newFixture(t)

	c, _ := f.request(http.MethodGet, "/api/history", "")
	apiErr := apiErrOf(t, f.handler.HandleHistory(c))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	c, _ = f.request(http.MethodGet, "/api/history/sessions", "")
	apiErr = apiErrOf(t, f.handler.HandleHistorySessions(c))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHandleHistoryPaging(t *testing.T) {
	f := newFixture(t)
	hist, err := history.NewStore(filepath.Join(t.TempDir(), "history.duckdb"), 10)
	require.NoError(t, err)
	defer hist.Close()
	f.handler.hist = hist

	base := time.Now()
	for i := 1; i <= 5; i++ {
		hist.Append("sess-x", models.LineRecord{
			Seq:        uint64(i),
			Text:       "archived",
			Tag:        models.TagDebug,
			Severity:   models.SeverityInfo,
			CapturedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	c, rec := f.request(http.MethodGet, "/api/history?session=sess-x&page=1&pageSize=2", "")
	require.NoError(t, f.handler.HandleHistory(c))
	assert.Contains(t, rec.Body.String(), `"total":5`)

	c, rec = f.request(http.MethodGet, "/api/history/sessions", "")
	require.NoError(t, f.handler.HandleHistorySessions(c))
	assert.Contains(t, rec.Body.String(), "sess-x")

	c, _ = f.request(http.MethodGet, "/api/history?page=abc", "")
	apiErr := apiErrOf(t, f.handler.HandleHistory(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestFromSessionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{session.ErrSessionActive, http.StatusConflict, "SESSION_ACTIVE"},
		{session.ErrNoSession, http.StatusNotFound, "NO_SESSION"},
	}
	for _, tc := range cases {
		apiErr := FromSessionError(tc.err)
		assert.Equal(t, tc.status, apiErr.Status, tc.code)
		assert.Equal(t, tc.code, apiErr.Code)
	}

	generic := FromSessionError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, generic.Status)
}
