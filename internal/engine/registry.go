package engine

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/pipeline"
)

/*
* The registry maps each inbound envelope kind to the handler that routes it.
* Registering the same kind twice is a programming error.
 */
type Registry struct {
	logger    *slog.Logger
	handlers  map[envelope.Kind]pipeline.HandlerFunc
	handlerMu sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[envelope.Kind]pipeline.HandlerFunc),
		logger:   logger,
	}
}

func (r *Registry) RegisterCore() {
	r.RegisterHandler(envelope.KindLogin, handleLogin)
	r.RegisterHandler(envelope.KindCreateGroup, handleCreateGroup)
	r.RegisterHandler(envelope.KindMessage, handleChat)
	r.logger.Info("Registered core handlers", slog.Any("count", len(r.handlers)))
}

func (r *Registry) RegisterHandler(kind envelope.Kind, fn pipeline.HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		panic("handler already registered: " + string(kind))
	}
	r.handlers[kind] = fn
}

func (r *Registry) Handler(kind envelope.Kind) (pipeline.HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []envelope.Kind {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	kinds := make([]envelope.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
