package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/pipeline"
	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/google/uuid"
)

// Engine routes decoded envelopes against the shared session and group state.
// State is only touched inside handlers; every send happens afterwards, once
// the state lock has been released.
type Engine struct {
	registry *Registry
	state    state.Manager
	logger   *slog.Logger
}

func New(logger *slog.Logger, stateManager state.Manager) *Engine {
	logger = logger.With(slog.String("component", "engine"))
	registry := NewRegistry(logger)
	registry.RegisterCore()

	return &Engine{
		registry: registry,
		state:    stateManager,
		logger:   logger,
	}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Connect registers a freshly accepted connection as anonymous.
func (e *Engine) Connect(conn state.Transport) error {
	if _, err := e.state.Open(conn); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	e.logger.Debug("Connection registered", slog.String("connID", conn.ID().String()))
	return nil
}

// Dispatch runs the handler for env and delivers its output. Failures are
// logged and never surface to the caller.
func (e *Engine) Dispatch(ctx context.Context, connID uuid.UUID, env envelope.Inbound) {
	logger := e.logger.With(slog.String("connID", connID.String()), slog.String("kind", string(env.Kind())))

	sess, ok := e.state.Session(connID)
	if !ok {
		logger.Debug("Dropping envelope from unknown connection")
		return
	}
	if sess.Username != "" {
		logger = logger.With(slog.String("username", sess.Username))
	}

	handler, ok := e.registry.Handler(env.Kind())
	if !ok {
		logDrop(logger, fmt.Errorf("%w: no handler for %q", envelope.ErrMalformed, env.Kind()))
		return
	}

	cargo := &pipeline.Cargo{
		Logger:       logger,
		Ctx:          ctx,
		ConnID:       connID,
		Origin:       sess.Transport,
		Username:     sess.Username,
		StateManager: e.state,
		Envelope:     env,
	}
	batch, err := handler(cargo)
	if err != nil {
		logDrop(logger, err)
		return
	}
	logger.Debug("Envelope handled", slog.Int("deliveries", batch.Deliveries()))
	deliver(logger, batch)
}

// Disconnect closes the session for connID. When a logged-in user goes away
// the remaining users get a fresh userList. Group membership is untouched.
func (e *Engine) Disconnect(connID uuid.UUID) {
	username, wasLoggedIn := e.state.Close(connID)
	if !wasLoggedIn {
		e.logger.Debug("Anonymous or unknown connection closed", slog.String("connID", connID.String()))
		return
	}
	logger := e.logger.With(slog.String("connID", connID.String()), slog.String("username", username))
	logger.Info("User disconnected")
	deliver(logger, presenceBroadcast(e.state, &pipeline.Batch{}))
}
