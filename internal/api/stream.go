package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/events"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamQueueSlack   = 32
)

// CORS is enforced by the middleware chain; the upgrader does not need its
// own origin policy on top.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamFrame struct {
	Type   string        `json:"type"`
	Event  *events.Event `json:"event,omitempty"`
	Missed uint64        `json:"missed,omitempty"`
}

// handleEventStream upgrades to a websocket and forwards every bus event to
// the client as JSON frames. A slow client lags its own subscription; it gets
// a single lagged frame and then resumes from what its queue retained.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.core.Bus.Subscribe(s.core.Config().SubscriberQueueCapacity + streamQueueSlack)
	defer s.core.Bus.Unsubscribe(sub)

	// Reads are only needed to notice the client going away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		event, err := sub.Recv(ctx)
		if err != nil {
			var lag *events.LagError
			switch {
			case errors.As(err, &lag):
				if werr := writeFrame(conn, streamFrame{Type: "lagged", Missed: lag.Missed}); werr != nil {
					return
				}
				continue
			case errors.Is(err, events.ErrClosed):
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"),
					time.Now().Add(streamWriteTimeout),
				)
				return
			default:
				return
			}
		}
		if err := writeFrame(conn, streamFrame{Type: "event", Event: &event}); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame streamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
