package state

import "github.com/google/uuid"

// SessionRegistry maps live connections to logged-in usernames and back.
type SessionRegistry interface {
	// registers a connection with no username bound.
	Open(conn Transport) (*Session, error)
	// binds username to the connection. The returned result names any connection
	// whose session was superseded; the caller is responsible for closing it.
	Login(connID uuid.UUID, username string) (*LoginResult, error)
	// removes the connection. Safe to call more than once.
	Close(connID uuid.UUID) (username string, wasLoggedIn bool)

	// copy of the session for connID, anonymous or not.
	Session(connID uuid.UUID) (*Session, bool)
	Lookup(connID uuid.UUID) (string, bool)
	ResolveConnection(username string) (Transport, bool)
	// sorted snapshot of every bound username.
	OnlineUsers() []string
	// online users and their connections, taken in one critical section.
	Presence() Presence
	// every open connection, authenticated or not.
	Connections() []Transport
}

// GroupDirectory maps group names to member usernames and keeps the reverse
// index in lockstep with it.
type GroupDirectory interface {
	CreateGroup(name string, members []string) (*Group, error)
	IsMember(groupName, username string) bool
	MembersOf(groupName string) []string
	GroupsOf(username string) []string
	// online members of a group, resolved in one critical section.
	OnlineMembers(groupName string) ([]Route, error)
	// drops username from every group. Not used on disconnect: membership is
	// about identity, not liveness.
	RemoveUserEverywhere(username string)
}

// Manager is the combined state the routing engine works against.
type Manager interface {
	SessionRegistry
	GroupDirectory
}
