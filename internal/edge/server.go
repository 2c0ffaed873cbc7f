package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/oriys/chatflow/internal/broker"
	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/observability"
)

// closeInvalidRoom is the non-standard close code sent when the
// handshake path does not name a valid room.
const closeInvalidRoom = 4000

// Server is the websocket-facing half of the Edge Server: it upgrades
// connections, validates inbound frames, and publishes accepted
// messages to the Queue Fabric.
type Server struct {
	registry *Registry
	pub      *broker.Publisher
	metrics  *metrics.Metrics
	cfg      config.EdgeConfig
	upgrader websocket.Upgrader
}

// NewServer returns a Server backed by registry for local fan-out and
// pub for broker publishing.
func NewServer(registry *Registry, pub *broker.Publisher, m *metrics.Metrics, cfg config.EdgeConfig) *Server {
	return &Server{
		registry: registry,
		pub:      pub,
		metrics:  m,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry for wiring into the bus
// subscriber and the HTTP snapshot endpoint.
func (s *Server) Registry() *Registry { return s.registry }

// Register binds the websocket route on an Echo router, matching the
// /chat/{roomId} handshake path named by the public contract.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/chat/:roomId", s.handleUpgrade)
}

func (s *Server) handleUpgrade(c echo.Context) error {
	roomID, err := strconv.Atoi(c.Param("roomId"))
	if err != nil || !chatmsg.ValidRoom(roomID) {
		logging.Op().Debug("ws handshake rejected: invalid room", "raw", c.Param("roomId"))
		ws, upErr := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if upErr != nil {
			return fmt.Errorf("upgrade websocket: %w", upErr)
		}
		closeMsg := websocket.FormatCloseMessage(closeInvalidRoom, "invalid room")
		_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		ws.Close()
		return nil
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	s.serveConn(ws, roomID)
	return nil
}

func (s *Server) serveConn(ws *websocket.Conn, roomID int) {
	c := &conn{ws: ws, roomID: roomID}
	s.registry.register(c)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}

	connCtx, connSpan := observability.StartServerSpan(context.Background(), "edge.connection",
		observability.AttrRoomID.Int(roomID),
	)
	log := logging.Op().With("room", roomID, "trace_id", observability.GetTraceID(connCtx))

	defer func() {
		connSpan.End()
		s.registry.deregister(c)
		ws.Close()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	var ch *broker.Channel
	roomLabel := strconv.Itoa(roomID)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.SetSpanError(connSpan, err)
			} else {
				observability.SetSpanOK(connSpan)
			}
			return
		}

		var msg chatmsg.ChatMessage
		if jsonErr := json.Unmarshal(raw, &msg); jsonErr != nil {
			s.reject(c, chatmsg.ErrParse, "malformed JSON")
			continue
		}

		if verr := chatmsg.Validate(msg); verr != nil {
			s.reject(c, chatmsg.ErrValidation, verr.Error())
			continue
		}

		if ch == nil || ch.Closed() {
			var openErr error
			ch, openErr = s.pub.Channel()
			if openErr != nil {
				log.Warn("edge failed to open broker channel", "err", openErr)
				s.reject(c, chatmsg.ErrQueue, "broker unavailable")
				continue
			}
		}

		msgCtx, msgSpan := observability.StartSpan(connCtx, "edge.publish_message",
			observability.AttrRoomID.Int(roomID),
			observability.AttrUserID.Int(msg.UserID),
		)
		tc := observability.ExtractTraceContext(msgCtx)

		queued := chatmsg.QueuedMessage{
			ChatMessage:       msg,
			RoomID:            msg.RoomID,
			ReceivedTimestamp: time.Now().UnixMilli(),
			TraceParent:       tc.TraceParent,
			TraceState:        tc.TraceState,
		}
		body, marshalErr := json.Marshal(queued)
		if marshalErr != nil {
			observability.SetSpanError(msgSpan, marshalErr)
			msgSpan.End()
			s.reject(c, chatmsg.ErrQueue, "internal encode failure")
			continue
		}

		publishCtx, cancel := context.WithTimeout(msgCtx, 2*time.Second)
		publishErr := ch.Publish(publishCtx, roomID, body)
		cancel()

		if publishErr != nil {
			log.Warn("broker publish failed, discarding channel", "err", publishErr)
			ch.Close()
			ch = nil
			if s.metrics != nil {
				s.metrics.BrokerPublish(roomLabel, false)
			}
			observability.SetSpanError(msgSpan, publishErr)
			msgSpan.End()
			s.reject(c, chatmsg.ErrQueue, "broker rejected message")
			continue
		}

		if s.metrics != nil {
			s.metrics.BrokerPublish(roomLabel, true)
			s.metrics.MessageAccepted(roomLabel)
		}

		observability.SetSpanOK(msgSpan)
		msgSpan.End()
		s.accept(c, msg)
	}
}

func (s *Server) accept(c *conn, msg chatmsg.ChatMessage) {
	resp := chatmsg.OutboundAccept{
		UserID:          msg.UserID,
		Username:        msg.Username,
		Message:         msg.Message,
		ClientTimestamp: msg.Timestamp,
		MessageType:     msg.MessageType,
		Status:          "OK",
		ServerTimestamp: time.Now().UnixMilli(),
	}
	if err := c.writeJSON(resp); err != nil {
		logging.Op().Debug("ws write accept failed", "err", err)
	}
}

func (s *Server) reject(c *conn, code chatmsg.ErrorCode, message string) {
	if s.metrics != nil {
		s.metrics.MessageRejected(string(code))
	}
	resp := chatmsg.OutboundError{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeJSON(resp); err != nil {
		logging.Op().Debug("ws write reject failed", "err", err)
	}
}

// stripRoomPrefix returns path with its leading "/chat/" removed. It
// has no caller; handleUpgrade reads the room from Echo's route param.
func stripRoomPrefix(path string) string {
	return strings.TrimPrefix(path, "/chat/")
}
