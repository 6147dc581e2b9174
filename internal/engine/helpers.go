package engine

import (
	"errors"
	"log/slog"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/pipeline"
	"github.com/a-essam23/chatrelay/pkg/state"
)

// deliver sends every fan-out in the batch and then performs its evictions.
// A failed send only affects its own recipient.
func deliver(logger *slog.Logger, batch *pipeline.Batch) {
	if batch == nil {
		return
	}
	for _, fanout := range batch.Fanouts {
		msg, err := envelope.Encode(fanout.Envelope)
		if err != nil {
			logger.Error("Failed to encode outbound envelope", slog.Any("error", err))
			continue
		}
		delivered := 0
		for _, target := range fanout.Targets {
			if err := target.Send(msg); err != nil {
				logger.Warn("Recipient unreachable",
					slog.String("to", target.ID().String()),
					slog.String("outKind", string(fanout.Envelope.Kind())),
					slog.Any("error", err),
				)
				continue
			}
			delivered++
		}
		logger.Debug("Fanned out envelope",
			slog.String("outKind", string(fanout.Envelope.Kind())),
			slog.Int("targets", len(fanout.Targets)),
			slog.Int("delivered", delivered),
		)
	}
	for _, ev := range batch.Evictions {
		ev.Target.Close(ev.Reason)
	}
}

// logDrop records why an envelope produced no effect. None of these errors
// reach the client.
func logDrop(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		logger.Debug("Dropping envelope: target not found", slog.Any("error", err))
	case errors.Is(err, state.ErrNotMember):
		logger.Info("Dropping group message from non-member", slog.Any("error", err))
	case errors.Is(err, state.ErrAlreadyExists):
		logger.Warn("Group already exists, dropping request", slog.Any("error", err))
	case errors.Is(err, state.ErrAlreadyAuthenticated), errors.Is(err, state.ErrUsernameTaken):
		logger.Warn("Login rejected", slog.Any("error", err))
	case errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, state.ErrEmptyUsername),
		errors.Is(err, state.ErrInvalidGroup):
		logger.Warn("Dropping malformed envelope", slog.Any("error", err))
	default:
		logger.Error("Envelope handling failed", slog.Any("error", err))
	}
}
