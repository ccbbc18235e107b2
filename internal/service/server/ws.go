package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pylon/internal/model"
	"pylon/internal/pylon"
	"pylon/internal/utils/log"
)

const wsWriteTimeout = 10 * time.Second

// HandleReceiveWS receives the payload for ?code= and pushes one response
// envelope over the websocket before closing it.
func (s *HttpServer) HandleReceiveWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			writeError[model.Payload](w, pylon.ErrMissingCode)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := s.receiveContext(context.Background())
		defer cancel()

		// the client closing the socket aborts the wait
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		var resp *model.Response[model.Payload]
		payload, err := s.sessions.Receive(ctx, code)
		if err != nil {
			log.Error("websocket receive failed", zap.Error(err))
			status := StatusFor(err)
			resp = model.Fail[model.Payload](status, err.Error())
		} else {
			resp = model.OK(http.StatusOK, *payload)
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
