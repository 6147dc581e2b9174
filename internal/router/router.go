package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/chatrelay/internal/engine"
	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/a-essam23/chatrelay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// EventRouter sits between the transport and the engine. It turns raw frames
// into typed envelopes and forwards connection lifecycle events.
type EventRouter struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewEventRouter(logger *slog.Logger, eng *engine.Engine) *EventRouter {
	return &EventRouter{
		logger: logger.With(slog.String("component", "event_router")),
		engine: eng,
	}
}

func (r *EventRouter) OnConnect(conn state.Transport) error {
	return r.engine.Connect(conn)
}

// HandleMessage decodes one frame and dispatches it. Malformed frames are
// logged and dropped; the connection stays open.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	env, err := envelope.Decode(msg)
	if err != nil {
		r.logger.Warn("Dropping malformed frame",
			slog.String("connID", connID.String()),
			slog.Int("bytes", len(msg)),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Debug("Dispatching envelope", slog.String("connID", connID.String()), slog.String("kind", string(env.Kind())))
	r.engine.Dispatch(ctx, connID, env)
}

func (r *EventRouter) OnDisconnect(connID uuid.UUID, err error) {
	logger := r.logger.With(slog.String("connID", connID.String()))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("Connection ended")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		logger.Debug("Peer closed connection", slog.Any("reason", err))
	case errors.Is(err, transport.ErrGoingAway):
		logger.Debug("Connection closed for shutdown")
	case errors.Is(err, state.ErrSuperseded):
		logger.Info("Connection superseded by a newer login")
	default:
		logger.Info("Connection lost", slog.Any("reason", err))
	}
	r.engine.Disconnect(connID)
}
