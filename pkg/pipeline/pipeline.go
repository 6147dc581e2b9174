package pipeline

import (
	"context"
	"log/slog"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/google/uuid"
)

/*
 * Handlers read and mutate state through the Cargo and describe their output
 * as a Batch. The engine sends the batch only after the handler returns, so
 * no send ever happens inside a state critical section.
 */

type Cargo struct {
	Logger       *slog.Logger
	Ctx          context.Context
	ConnID       uuid.UUID
	Origin       state.Transport
	Username     string // empty while the connection is anonymous
	StateManager state.Manager
	Envelope     envelope.Inbound
}

// Authenticated reports whether the sending connection has logged in.
func (c *Cargo) Authenticated() bool {
	return c.Username != ""
}

// HandlerFunc processes one inbound envelope.
type HandlerFunc func(c *Cargo) (*Batch, error)

// Fanout is one envelope addressed to a set of connections. The envelope is
// encoded once and the same bytes go to every target.
type Fanout struct {
	Envelope envelope.Outbound
	Targets  []state.Transport
}

// Eviction asks the transport to close a connection the engine does not own.
type Eviction struct {
	Target state.Transport
	Reason error
}

type Batch struct {
	Fanouts   []Fanout
	Evictions []Eviction
}

// Add appends a fan-out, skipping it when there is nobody to deliver to.
func (b *Batch) Add(env envelope.Outbound, targets ...state.Transport) *Batch {
	if len(targets) == 0 {
		return b
	}
	b.Fanouts = append(b.Fanouts, Fanout{Envelope: env, Targets: targets})
	return b
}

func (b *Batch) Evict(target state.Transport, reason error) *Batch {
	b.Evictions = append(b.Evictions, Eviction{Target: target, Reason: reason})
	return b
}

// Deliveries counts the individual sends the batch will make.
func (b *Batch) Deliveries() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, f := range b.Fanouts {
		n += len(f.Targets)
	}
	return n
}
