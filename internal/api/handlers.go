package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/esp-monitor/backend/internal/capture"
	"github.com/esp-monitor/backend/internal/history"
	"github.com/esp-monitor/backend/internal/models"
	"github.com/esp-monitor/backend/internal/serialport"
	"github.com/esp-monitor/backend/internal/session"
	"github.com/esp-monitor/backend/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// ListPortsFunc enumerates serial devices. Injectable for tests.
type ListPortsFunc func() ([]string, error)

// Handler handles API requests.
type Handler struct {
	manager   *session.Manager
	router    *capture.Router
	store     storage.Store
	hist      *history.Store // nil when the archive is disabled
	listPorts ListPortsFunc
}

// NewHandler creates a new API handler. hist may be nil.
func NewHandler(manager *session.Manager, router *capture.Router, store storage.Store, hist *history.Store) *Handler {
	return &Handler{
		manager:   manager,
		router:    router,
		store:     store,
		hist:      hist,
		listPorts: serialport.List,
	}
}

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// HandleListPorts enumerates present serial devices plus the allowed baud
// rates. The frontend's Refresh button simply re-issues this request.
func (h *Handler) HandleListPorts(c echo.Context) error {
	ports, err := h.listPorts()
	if err != nil {
		return NewInternalError("failed to enumerate serial ports", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ports":       ports,
		"bauds":       serialport.SupportedBauds(),
		"defaultBaud": serialport.DefaultBaud,
	})
}

// HandleStartSession opens the device and begins capturing.
func (h *Handler) HandleStartSession(c echo.Context) error {
	var req struct {
		Device string `json:"device"`
		Baud   int    `json:"baud"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.Device == "" {
		return NewValidationError("device")
	}
	if req.Baud == 0 {
		req.Baud = serialport.DefaultBaud
	}

	sess, err := h.manager.Start(req.Device, req.Baud)
	if err != nil {
		return FromSessionError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// HandleStopSession ends the active capture. Stopping an already-stopped
// session returns its final state rather than an error.
func (h *Handler) HandleStopSession(c echo.Context) error {
	sess, err := h.manager.Stop()
	if err != nil {
		return FromSessionError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// HandleSessionStatus returns the most recent session, live counts included.
func (h *Handler) HandleSessionStatus(c echo.Context) error {
	sess := h.manager.Status()
	if sess == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"session":   nil,
			"capturing": false,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session":   sess,
		"capturing": h.manager.Capturing(),
	})
}

// HandlePastSessions returns finished sessions, oldest first.
func (h *Handler) HandlePastSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Past())
}

func (h *Handler) bufferForParam(c echo.Context) (*capture.Buffer, *APIError) {
	tag := models.OriginTag(c.Param("tag"))
	buf := h.router.Buffer(tag)
	if buf == nil {
		return nil, NewNotFoundError("buffer", string(tag))
	}
	return buf, nil
}

// HandleGetBuffer returns a snapshot of one pane. An optional since=seq query
// limits the response to records appended after that sequence number, for
// incremental fetches after a reconnect.
func (h *Handler) HandleGetBuffer(c echo.Context) error {
	buf, apiErr := h.bufferForParam(c)
	if apiErr != nil {
		return apiErr
	}

	var records []models.LineRecord
	if sinceStr := c.QueryParam("since"); sinceStr != "" {
		since, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			return NewBadRequestError("invalid since parameter", err)
		}
		records = buf.SnapshotSince(since)
	} else {
		records = buf.Snapshot()
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"tag":     buf.Tag(),
		"records": records,
		"total":   buf.Len(),
		"dropped": buf.Dropped(),
	})
}

// HandleGetBufferMsgpack returns the snapshot MessagePack-encoded, which the
// frontend prefers for large buffers.
func (h *Handler) HandleGetBufferMsgpack(c echo.Context) error {
	buf, apiErr := h.bufferForParam(c)
	if apiErr != nil {
		return apiErr
	}

	records := buf.Snapshot()
	data, err := msgpack.Marshal(map[string]interface{}{
		"tag":     buf.Tag(),
		"records": records,
		"total":   len(records),
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleClearBuffer empties one pane. The other pane is untouched and
// capture continues into the emptied buffer.
func (h *Handler) HandleClearBuffer(c echo.Context) error {
	tag := models.OriginTag(c.Param("tag"))
	if !h.router.Clear(tag) {
		return NewNotFoundError("buffer", string(tag))
	}
	fmt.Printf("[API] Cleared %s buffer\n", tag)
	return c.JSON(http.StatusOK, map[string]string{"cleared": string(tag)})
}

// HandleSaveBuffer writes a snapshot of one pane to a timestamped file in the
// output directory. The buffer itself is left untouched whatever the outcome.
func (h *Handler) HandleSaveBuffer(c echo.Context) error {
	buf, apiErr := h.bufferForParam(c)
	if apiErr != nil {
		return apiErr
	}

	info, err := h.store.SaveRecords(buf.Tag(), buf.Snapshot())
	if err != nil {
		return NewWriteError(err)
	}
	fmt.Printf("[API] Saved %s buffer to %s (%d bytes)\n", buf.Tag(), info.Name, info.Size)
	return c.JSON(http.StatusCreated, info)
}

// HandleListSaved returns recently saved capture files, newest first.
func (h *Handler) HandleListSaved(c echo.Context) error {
	files, err := h.store.List(50)
	if err != nil {
		return NewInternalError("failed to list saved files", err)
	}
	if files == nil {
		files = []*models.FileInfo{}
	}
	return c.JSON(http.StatusOK, files)
}

// HandleDownloadSaved streams a saved capture file back.
func (h *Handler) HandleDownloadSaved(c echo.Context) error {
	id := c.Param("id")
	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	path, err := h.store.GetFilePath(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	return c.Attachment(path, info.Name)
}

// HandleDeleteSaved removes a saved capture file.
func (h *Handler) HandleDeleteSaved(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		return NewNotFoundError("file", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleGetSettings returns the timestamp toggle and active routing rules.
func (h *Handler) HandleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"timestamps": h.router.Timestamps(),
		"rules":      h.router.Classifier().Rules(),
	})
}

// HandleUpdateSettings updates the timestamp toggle. The toggle only affects
// records captured after the change.
func (h *Handler) HandleUpdateSettings(c echo.Context) error {
	var req struct {
		Timestamps *bool `json:"timestamps"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.Timestamps == nil {
		return NewValidationError("timestamps")
	}
	h.router.SetTimestamps(*req.Timestamps)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"timestamps": h.router.Timestamps(),
	})
}

// HandleUploadRules replaces the routing prefix rules from a YAML body.
func (h *Handler) HandleUploadRules(c echo.Context) error {
	if err := h.router.Classifier().LoadRules(c.Request().Body); err != nil {
		return NewBadRequestError("invalid rules document", err)
	}
	rules := h.router.Classifier().Rules()
	fmt.Printf("[API] Loaded %d routing rules\n", len(rules))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rulesCount": len(rules),
	})
}

// HandleHistory pages through archived lines from past capture sessions.
func (h *Handler) HandleHistory(c echo.Context) error {
	if h.hist == nil {
		return NewNotFoundError("history", "archive disabled")
	}

	q := history.Query{
		Session: c.QueryParam("session"),
		Tag:     models.OriginTag(c.QueryParam("tag")),
	}
	if p := c.QueryParam("page"); p != "" {
		page, err := strconv.Atoi(p)
		if err != nil {
			return NewBadRequestError("invalid page", err)
		}
		q.Page = page
	}
	if ps := c.QueryParam("pageSize"); ps != "" {
		size, err := strconv.Atoi(ps)
		if err != nil {
			return NewBadRequestError("invalid pageSize", err)
		}
		q.PageSize = size
	}

	lines, total, err := h.hist.QueryLines(c.Request().Context(), q)
	if err != nil {
		return NewInternalError("history query failed", err)
	}
	if lines == nil {
		lines = []history.ArchivedLine{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"lines": lines,
		"total": total,
	})
}

// HandleHistorySessions lists session IDs present in the archive.
func (h *Handler) HandleHistorySessions(c echo.Context) error {
	if h.hist == nil {
		return NewNotFoundError("history", "archive disabled")
	}
	sessions, err := h.hist.Sessions(c.Request().Context())
	if err != nil {
		return NewInternalError("history query failed", err)
	}
	if sessions == nil {
		sessions = []string{}
	}
	return c.JSON(http.StatusOK, sessions)
}
