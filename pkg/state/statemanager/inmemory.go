package statemanager

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type set map[string]struct{}

// InMemoryManager keeps sessions, groups and the username -> groups index
// behind a single lock so that no reader ever sees the two group indices
// disagree.
type InMemoryManager struct {
	mu sync.RWMutex

	sessions map[uuid.UUID]*state.Session
	online   map[string]*state.Session // username -> bound session
	groups   map[string]*state.Group
	userOf   map[string]set // username -> group names

	loginPolicy state.LoginPolicy
	logger      *slog.Logger
}

type Options struct {
	LoginPolicy state.LoginPolicy
}

func NewInMemoryManager(logger *slog.Logger, opts Options) *InMemoryManager {
	if opts.LoginPolicy == "" {
		opts.LoginPolicy = state.LoginSupersede
	}
	return &InMemoryManager{
		sessions:    make(map[uuid.UUID]*state.Session),
		online:      make(map[string]*state.Session),
		groups:      make(map[string]*state.Group),
		userOf:      make(map[string]set),
		loginPolicy: opts.LoginPolicy,
		logger:      logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Session Registry ---

func (m *InMemoryManager) Open(conn state.Transport) (*state.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.sessions[connID]; exists {
		return nil, fmt.Errorf("connection %s: %w", connID, state.ErrAlreadyExists)
	}
	sess := &state.Session{
		ID:        connID,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.sessions[connID] = sess
	m.logger.Debug("Connection opened", slog.String("connID", connID.String()))

	cp := *sess
	return &cp, nil
}

func (m *InMemoryManager) Login(connID uuid.UUID, username string) (*state.LoginResult, error) {
	if username == "" {
		return nil, state.ErrEmptyUsername
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[connID]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", connID, state.ErrNotFound)
	}
	if sess.Username != "" {
		if sess.Username == username {
			return &state.LoginResult{Username: username, Repeated: true}, nil
		}
		return nil, fmt.Errorf("connection %s is %q: %w", connID, sess.Username, state.ErrAlreadyAuthenticated)
	}

	result := &state.LoginResult{Username: username}
	if holder, taken := m.online[username]; taken {
		if m.loginPolicy == state.LoginReject {
			return nil, fmt.Errorf("%q: %w", username, state.ErrUsernameTaken)
		}
		// The old connection drops back to anonymous; its eventual Close
		// must not touch the new binding.
		holder.Username = ""
		result.Superseded = holder.Transport
		m.logger.Debug("Superseding session",
			slog.String("username", username),
			slog.String("oldConnID", holder.ID.String()),
			slog.String("newConnID", connID.String()),
		)
	}

	sess.Username = username
	m.online[username] = sess
	m.logger.Debug("Bound username to connection", slog.String("username", username), slog.String("connID", connID.String()))
	return result, nil
}

func (m *InMemoryManager) Close(connID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[connID]
	if !ok {
		// already closed
		return "", false
	}
	delete(m.sessions, connID)

	if sess.Username == "" {
		m.logger.Debug("Anonymous connection closed", slog.String("connID", connID.String()))
		return "", false
	}
	if m.online[sess.Username] == sess {
		delete(m.online, sess.Username)
	}
	m.logger.Debug("Session closed", slog.String("connID", connID.String()), slog.String("username", sess.Username))
	return sess.Username, true
}

func (m *InMemoryManager) Session(connID uuid.UUID) (*state.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

func (m *InMemoryManager) Lookup(connID uuid.UUID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[connID]
	if !ok || sess.Username == "" {
		return "", false
	}
	return sess.Username, true
}

func (m *InMemoryManager) ResolveConnection(username string) (state.Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.online[username]
	if !ok {
		return nil, false
	}
	return sess.Transport, true
}

func (m *InMemoryManager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineUsersLocked()
}

func (m *InMemoryManager) onlineUsersLocked() []string {
	users := lo.Keys(m.online)
	slices.Sort(users)
	return users
}

func (m *InMemoryManager) Presence() state.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := m.onlineUsersLocked()
	routes := lo.Map(users, func(u string, _ int) state.Route {
		return state.Route{Username: u, Transport: m.online[u].Transport}
	})
	return state.Presence{Users: users, Routes: routes}
}

func (m *InMemoryManager) Connections() []state.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]state.Transport, 0, len(m.sessions))
	for _, sess := range m.sessions {
		conns = append(conns, sess.Transport)
	}
	return conns
}

// --- Group Directory ---

func (m *InMemoryManager) CreateGroup(name string, members []string) (*state.Group, error) {
	if name == "" || slices.Contains(members, "") {
		return nil, state.ErrInvalidGroup
	}
	members = lo.Uniq(members)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[name]; exists {
		return nil, fmt.Errorf("group %q: %w", name, state.ErrAlreadyExists)
	}

	group := &state.Group{
		Name:      name,
		Members:   make(map[string]struct{}, len(members)),
		CreatedAt: time.Now(),
	}
	for _, member := range members {
		group.Members[member] = struct{}{}
	}

	// Nothing below can fail, so both indices are committed together.
	m.groups[name] = group
	for _, member := range members {
		groups, ok := m.userOf[member]
		if !ok {
			groups = make(set)
			m.userOf[member] = groups
		}
		groups[name] = struct{}{}
	}

	m.logger.Debug("Group created", slog.String("group", name), slog.Int("members", len(members)))
	return copyGroup(group), nil
}

func (m *InMemoryManager) IsMember(groupName, username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[groupName]
	if !ok {
		return false
	}
	_, member := group.Members[username]
	return member
}

func (m *InMemoryManager) MembersOf(groupName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[groupName]
	if !ok {
		return []string{}
	}
	return sortedKeys(group.Members)
}

func (m *InMemoryManager) GroupsOf(username string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.userOf[username])
}

func (m *InMemoryManager) OnlineMembers(groupName string) ([]state.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", groupName, state.ErrNotFound)
	}

	routes := make([]state.Route, 0, len(group.Members))
	for _, member := range sortedKeys(group.Members) {
		if sess, online := m.online[member]; online {
			routes = append(routes, state.Route{Username: member, Transport: sess.Transport})
		}
	}
	return routes, nil
}

func (m *InMemoryManager) RemoveUserEverywhere(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.userOf[username] {
		group, ok := m.groups[name]
		if !ok {
			continue
		}
		delete(group.Members, username)

		// For memory hygiene, remove the group if it's now empty.
		if len(group.Members) == 0 {
			delete(m.groups, name)
			m.logger.Debug("Removed empty group", slog.String("group", name))
		}
	}
	delete(m.userOf, username)
	m.logger.Debug("Removed user from all groups", slog.String("username", username))
}

func copyGroup(g *state.Group) *state.Group {
	members := make(map[string]struct{}, len(g.Members))
	for u := range g.Members {
		members[u] = struct{}{}
	}
	return &state.Group{Name: g.Name, Members: members, CreatedAt: g.CreatedAt}
}

func sortedKeys(s map[string]struct{}) []string {
	keys := lo.Keys(s)
	slices.Sort(keys)
	return keys
}
