package middleware

import (
	"context"
	"net"
	"net/http"
)

type metaKey struct{}

// RequestMetadata is what the handshake learned about the client. Later
// middlewares fill it in place; the upgrade handler copies it into the
// connection logger.
type RequestMetadata struct {
	IP string
	// sub claim of the admission token; informational only, the chat
	// username still comes from the login envelope.
	Subject string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(metaKey{}).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware must come first: the logger and the admission
// gate both read the metadata it attaches.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), metaKey{}, &RequestMetadata{IP: clientIP(r)})))
		})
	}
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
