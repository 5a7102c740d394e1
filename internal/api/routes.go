package api

import "github.com/labstack/echo/v4"

// RegisterRoutes wires all API endpoints onto the echo instance.
func RegisterRoutes(e *echo.Echo, h *Handler, wsh *WebSocketHandler) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", h.HandleHealth)

	// Live stream
	apiGroup.GET("/ws/stream", wsh.HandleWebSocket)

	// Device enumeration (Refresh re-issues this)
	apiGroup.GET("/ports", h.HandleListPorts)

	// Capture session lifecycle
	apiGroup.POST("/session", h.HandleStartSession)
	apiGroup.DELETE("/session", h.HandleStopSession)
	apiGroup.GET("/session", h.HandleSessionStatus)
	apiGroup.GET("/sessions/past", h.HandlePastSessions)

	// Pane buffers
	apiGroup.GET("/buffers/:tag", h.HandleGetBuffer)
	apiGroup.GET("/buffers/:tag/msgpack", h.HandleGetBufferMsgpack)
	apiGroup.DELETE("/buffers/:tag", h.HandleClearBuffer)
	apiGroup.POST("/buffers/:tag/save", h.HandleSaveBuffer)

	// Saved capture files
	apiGroup.GET("/files/recent", h.HandleListSaved)
	apiGroup.GET("/files/:id", h.HandleDownloadSaved)
	apiGroup.DELETE("/files/:id", h.HandleDeleteSaved)

	// Settings
	apiGroup.GET("/settings", h.HandleGetSettings)
	apiGroup.PUT("/settings", h.HandleUpdateSettings)
	apiGroup.POST("/settings/rules", h.HandleUploadRules)

	// Capture history archive
	apiGroup.GET("/history", h.HandleHistory)
	apiGroup.GET("/history/sessions", h.HandleHistorySessions)
}
