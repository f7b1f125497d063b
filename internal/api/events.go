package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"docmigrate/internal/app"
	"docmigrate/internal/progress"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 256
	heartbeatPeriod  = 30 * time.Second
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// message is one item pushed to a WebSocket client: either the status snapshot sent on connect or an event
type message struct {
	Type   string          `json:"type"`
	Status *app.RunInfo    `json:"status,omitempty"`
	Event  *progress.Event `json:"event,omitempty"`
}

// streamEvents handles GET /api/v1/migrations/:id/events as Server-Sent Events. The current status is
// sent first; the stream ends after the run's last event.
func (s *Server) streamEvents(c echo.Context) error {
	sub, info, err := s.manager.Subscribe(c.Param("id"), subscriberBuffer)
	if err != nil {
		return lookupError(err)
	}
	defer sub.Cancel()

	c.Response().Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	if err := writeSSE(c, "status", "", info); err != nil {
		return err
	}
	if info.Done {
		return nil
	}

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSE(c, string(ev.Type), fmt.Sprint(ev.Seq), ev); err != nil {
				s.logger.Debug("SSE write failed", zap.String("run_id", ev.RunID), zap.Error(err))
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response(), ":\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

func writeSSE(c echo.Context, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(c.Response(), "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// websocketEvents handles GET /api/v1/migrations/:id/ws and pushes the same stream over a WebSocket
func (s *Server) websocketEvents(c echo.Context) error {
	sub, info, err := s.manager.Subscribe(c.Param("id"), subscriberBuffer)
	if err != nil {
		return lookupError(err)
	}
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	// Reading is only needed to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m message) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}

	if err := send(message{Type: "status", Status: &info}); err != nil {
		return nil
	}

	if !info.Done {
		heartbeat := time.NewTicker(heartbeatPeriod)
		defer heartbeat.Stop()

	loop:
		for {
			select {
			case <-closed:
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					break loop
				}
				if err := send(message{Type: string(ev.Type), Event: &ev}); err != nil {
					return nil
				}
			case <-heartbeat.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return nil
				}
			}
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))

	select {
	case <-closed:
	case <-time.After(writeWait):
	}
	return nil
}
