// Package analytics exposes internal/storage's read-side queries over
// HTTP for operational and reporting use.
package analytics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/storage"
)

// API binds the analytical query endpoints to an Echo router.
type API struct {
	store *storage.Store
}

// NewAPI returns an API reading from store.
func NewAPI(store *storage.Store) *API {
	return &API{store: store}
}

// Register binds every analytics route on e.
func (a *API) Register(e *echo.Echo) {
	g := e.Group("/analytics")
	g.GET("/rooms/:roomId/history", a.roomHistory)
	g.GET("/users/:userId/history", a.userHistory)
	g.GET("/users/active", a.activeUsers)
	g.GET("/users/:userId/rooms", a.roomsForUser)
	g.GET("/messages/per-minute", a.messagesPerMinute)
	g.GET("/users/top", a.topUsers)
	g.GET("/rooms/top", a.topRooms)
}

func (a *API) roomHistory(c echo.Context) error {
	roomID, err := strconv.Atoi(c.Param("roomId"))
	if err != nil || !chatmsg.ValidRoom(roomID) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid roomId")
	}
	since, until, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := a.store.RoomHistory(c.Request().Context(), roomID, since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (a *API) userHistory(c echo.Context) error {
	userID, err := strconv.Atoi(c.Param("userId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid userId")
	}
	since, until, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := a.store.UserHistory(c.Request().Context(), userID, since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (a *API) activeUsers(c echo.Context) error {
	since, until, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	users, err := a.store.ActiveUsers(c.Request().Context(), since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, users)
}

func (a *API) roomsForUser(c echo.Context) error {
	userID, err := strconv.Atoi(c.Param("userId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid userId")
	}
	rooms, err := a.store.RoomsForUser(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rooms)
}

func (a *API) messagesPerMinute(c echo.Context) error {
	since, until, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	counts, err := a.store.MessagesPerMinute(c.Request().Context(), since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}

func (a *API) topUsers(c echo.Context) error {
	since, _, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := limitParam(c, 10)
	rows, err := a.store.TopUsers(c.Request().Context(), since, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (a *API) topRooms(c echo.Context) error {
	since, _, err := windowParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := limitParam(c, 10)
	rows, err := a.store.TopRooms(c.Request().Context(), since, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

// windowParams parses the optional ?since=RFC3339&until=RFC3339 query
// params bounding the [t0, t1] analytical window, defaulting to the
// last 24 hours up to now.
func windowParams(c echo.Context) (since, until time.Time, err error) {
	until = time.Now().UTC()
	if raw := c.QueryParam("until"); raw != "" {
		if until, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	since = until.Add(-24 * time.Hour)
	if raw := c.QueryParam("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return since, until, nil
}

func limitParam(c echo.Context, def int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
