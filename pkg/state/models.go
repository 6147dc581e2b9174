package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the per-connection capability supplied by the transport layer.
// The state layer references it but never owns it.
type Transport interface {
	ID() uuid.UUID
	// Send queues msg for the peer without blocking. An error means the
	// recipient is unreachable.
	Send(msg []byte) error
	Close(reason error)
}

// LoginPolicy decides what happens when a username is already bound to
// another live connection.
type LoginPolicy string

const (
	// the new connection takes the username and the old one is dropped.
	LoginSupersede LoginPolicy = "supersede"
	// the second login fails with ErrUsernameTaken.
	LoginReject LoginPolicy = "reject"
)

// Phase is the lifecycle position of a connection.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseAuthenticated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the registry entry for one live connection. Username is empty
// until login.
type Session struct {
	ID        uuid.UUID
	Transport Transport
	Username  string
	CreatedAt time.Time
}

// Phase reports where the session is in its lifecycle.
func (s *Session) Phase() Phase {
	if s == nil {
		return PhaseClosed
	}
	if s.Username == "" {
		return PhaseConnected
	}
	return PhaseAuthenticated
}

// LoginResult describes a committed login.
type LoginResult struct {
	Username string
	// set when another connection held the username; that connection is now
	// anonymous and must be closed by the caller.
	Superseded Transport
	// true when the connection was already logged in under the same name.
	Repeated bool
}

// Group is a named set of member usernames.
type Group struct {
	Name      string
	Members   map[string]struct{}
	CreatedAt time.Time
}

// Route pairs an online username with its connection.
type Route struct {
	Username  string
	Transport Transport
}

// Presence is a consistent snapshot of who is online.
type Presence struct {
	Users  []string
	Routes []Route
}
