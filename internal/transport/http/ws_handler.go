package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"ringlink/proto"
	"ringlink/internal/relay"
)

// WSHandler upgrades HTTP connections and bridges them to the relay.
type WSHandler struct {
	router *relay.Router
	log    *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(router *relay.Router, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{router: router, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.Close(websocket.StatusInternalError, "internal error")

	conn := relay.NewConn()
	defer h.router.Disconnect(conn)
	defer conn.Close()

	h.log.Debug().Str("socket_id", conn.SocketID()).Msg("socket open")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Greet before any registration happens.
	conn.Send(proto.Message{
		Type:      proto.TypeConnectionEstablished,
		SocketID:  conn.SocketID(),
		Timestamp: proto.Now(),
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, ws, conn)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, ws, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	conn.Close()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("socket_id", conn.SocketID()).Msg("ws connection closed with error")
		}
	}

	ws.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *relay.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		h.router.HandleFrame(ctx, conn, data)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *relay.Conn) error {
	for {
		select {
		case msg := <-conn.Out():
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				h.log.Error().Err(err).Str("socket_id", conn.SocketID()).Msg("write ws message")
				return err
			}
		case <-conn.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
