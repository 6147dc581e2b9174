// Package middleware wraps the chat endpoint's upgrade handler. Everything here
// runs once per handshake, before the socket exists.
package middleware

import (
	"net/http"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that middlewares[0] sees the handshake request first.
// A nil h answers 404 once every middleware has passed the request on.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	wrapped := h
	for i := range middlewares {
		wrapped = middlewares[len(middlewares)-1-i](wrapped)
	}
	return wrapped
}
