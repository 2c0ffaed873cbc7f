package edge

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/observability"
)

// HTTPAPI exposes operational endpoints alongside the websocket route:
// liveness and a point-in-time room membership snapshot.
type HTTPAPI struct {
	registry *Registry
}

// NewHTTPAPI returns an HTTPAPI reading from registry.
func NewHTTPAPI(registry *Registry) *HTTPAPI {
	return &HTTPAPI{registry: registry}
}

// Register binds the operational routes on e.
func (h *HTTPAPI) Register(e *echo.Echo) {
	e.GET("/healthz", h.handleHealth)
	e.GET("/rooms", h.handleRooms)
}

func (h *HTTPAPI) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.registry.ConnectionCount(),
	})
}

type roomSnapshot struct {
	RoomID      int `json:"roomId"`
	Connections int `json:"connections"`
}

func (h *HTTPAPI) handleRooms(c echo.Context) error {
	ctx := c.Request().Context()
	sizes := h.registry.RoomSizes()

	// otelecho already opened a server span for this request; tag it
	// with the snapshot size rather than opening a second one.
	observability.SpanFromContext(ctx).SetAttributes(attribute.Int("chatflow.room_count", len(sizes)))
	logging.Op().Debug("room snapshot served",
		"trace_id", observability.GetTraceID(ctx),
		"span_id", observability.GetSpanID(ctx),
		"rooms", len(sizes),
	)

	rooms := make([]roomSnapshot, 0, len(sizes))
	for _, roomID := range sortedRooms(sizes) {
		rooms = append(rooms, roomSnapshot{RoomID: roomID, Connections: sizes[roomID]})
	}
	return c.JSON(http.StatusOK, rooms)
}
