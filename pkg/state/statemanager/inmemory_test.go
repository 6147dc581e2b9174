package statemanager_test

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/a-essam23/chatrelay/pkg/state/statemanager"
	"github.com/a-essam23/chatrelay/pkg/transport/transporttest"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger(), statemanager.Options{})
}

func openConn(t *testing.T, m *statemanager.InMemoryManager) *transporttest.Recorder {
	t.Helper()
	conn := transporttest.NewRecorder()
	if _, err := m.Open(conn); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return conn
}

func login(t *testing.T, m *statemanager.InMemoryManager, conn state.Transport, username string) *state.LoginResult {
	t.Helper()
	res, err := m.Login(conn.ID(), username)
	if err != nil {
		t.Fatalf("Login(%q) failed: %v", username, err)
	}
	return res
}

// assertIndexConsistent checks both directions of the membership invariant.
func assertIndexConsistent(t *testing.T, m *statemanager.InMemoryManager, groups, users []string) {
	t.Helper()
	for _, g := range groups {
		for _, u := range users {
			forward := m.IsMember(g, u)
			reverse := slices.Contains(m.GroupsOf(u), g)
			if forward != reverse {
				t.Errorf("index mismatch for group %q user %q: IsMember=%v GroupsOf contains=%v", g, u, forward, reverse)
			}
		}
	}
}

// --- Session Registry Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := transporttest.NewRecorder()

	// 1. Open
	sess, err := m.Open(conn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.ID != conn.ID() {
		t.Errorf("Opened session ID mismatch")
	}
	if sess.Phase() != state.PhaseConnected {
		t.Errorf("Expected phase connected, got %s", sess.Phase())
	}
	if _, err := m.Open(conn); !errors.Is(err, state.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists on second Open, got %v", err)
	}

	// anonymous connections are not online
	if _, found := m.Lookup(conn.ID()); found {
		t.Error("Lookup should not resolve an anonymous connection")
	}
	if got := m.OnlineUsers(); len(got) != 0 {
		t.Errorf("Expected no online users, got %v", got)
	}

	// 2. Close
	username, wasLoggedIn := m.Close(conn.ID())
	if username != "" || wasLoggedIn {
		t.Errorf("Expected anonymous close, got (%q, %v)", username, wasLoggedIn)
	}
	if len(m.Connections()) != 0 {
		t.Error("Found connection after it should have been closed")
	}

	// 3. Close again is a no-op
	username, wasLoggedIn = m.Close(conn.ID())
	if username != "" || wasLoggedIn {
		t.Errorf("Expected no-op on second close, got (%q, %v)", username, wasLoggedIn)
	}
}

func TestLoginAndLookup(t *testing.T) {
	m := newTestManager()
	conn := openConn(t, m)

	res := login(t, m, conn, "alice")
	if res.Superseded != nil || res.Repeated {
		t.Errorf("Unexpected login result %+v", res)
	}

	name, found := m.Lookup(conn.ID())
	if !found || name != "alice" {
		t.Errorf("Lookup = (%q, %v), want (alice, true)", name, found)
	}
	resolved, found := m.ResolveConnection("alice")
	if !found || resolved.ID() != conn.ID() {
		t.Errorf("ResolveConnection did not return the bound connection")
	}

	username, wasLoggedIn := m.Close(conn.ID())
	if username != "alice" || !wasLoggedIn {
		t.Errorf("Close = (%q, %v), want (alice, true)", username, wasLoggedIn)
	}
	if _, found := m.ResolveConnection("alice"); found {
		t.Error("alice should be offline after close")
	}
}

func TestLoginValidation(t *testing.T) {
	m := newTestManager()
	conn := openConn(t, m)

	if _, err := m.Login(conn.ID(), ""); !errors.Is(err, state.ErrEmptyUsername) {
		t.Errorf("Expected ErrEmptyUsername, got %v", err)
	}
	if _, err := m.Login(uuid.New(), "ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown connection, got %v", err)
	}

	login(t, m, conn, "alice")
	if _, err := m.Login(conn.ID(), "mallory"); !errors.Is(err, state.ErrAlreadyAuthenticated) {
		t.Errorf("Expected ErrAlreadyAuthenticated, got %v", err)
	}
	res := login(t, m, conn, "alice")
	if !res.Repeated {
		t.Error("Repeating the same login should be reported as repeated")
	}
}

func TestLoginSupersedesOlderConnection(t *testing.T) {
	m := newTestManager()
	oldConn := openConn(t, m)
	newConn := openConn(t, m)

	login(t, m, oldConn, "alice")
	res := login(t, m, newConn, "alice")

	if res.Superseded == nil || res.Superseded.ID() != oldConn.ID() {
		t.Fatalf("Expected old connection to be superseded, got %+v", res)
	}
	resolved, _ := m.ResolveConnection("alice")
	if resolved.ID() != newConn.ID() {
		t.Error("alice should resolve to the new connection")
	}
	if _, found := m.Lookup(oldConn.ID()); found {
		t.Error("superseded connection should be anonymous")
	}

	// The transport closing the superseded connection must not log alice out.
	if _, wasLoggedIn := m.Close(oldConn.ID()); wasLoggedIn {
		t.Error("closing the superseded connection should not report a logout")
	}
	if got := m.OnlineUsers(); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("OnlineUsers = %v, want [alice]", got)
	}
}

func TestLoginRejectPolicy(t *testing.T) {
	m := statemanager.NewInMemoryManager(newTestLogger(), statemanager.Options{LoginPolicy: state.LoginReject})
	first := openConn(t, m)
	second := openConn(t, m)

	login(t, m, first, "alice")
	if _, err := m.Login(second.ID(), "alice"); !errors.Is(err, state.ErrUsernameTaken) {
		t.Fatalf("Expected ErrUsernameTaken, got %v", err)
	}
	resolved, _ := m.ResolveConnection("alice")
	if resolved.ID() != first.ID() {
		t.Error("rejected login must leave the first binding in place")
	}

	// once the first connection is gone the name is free again
	m.Close(first.ID())
	login(t, m, second, "alice")
}

func TestPresenceSnapshot(t *testing.T) {
	m := newTestManager()
	bob := openConn(t, m)
	alice := openConn(t, m)
	openConn(t, m) // anonymous

	login(t, m, bob, "bob")
	login(t, m, alice, "alice")

	p := m.Presence()
	if !slices.Equal(p.Users, []string{"alice", "bob"}) {
		t.Errorf("Presence users = %v, want [alice bob]", p.Users)
	}
	if len(p.Routes) != 2 || p.Routes[0].Transport.ID() != alice.ID() || p.Routes[1].Transport.ID() != bob.ID() {
		t.Errorf("Presence routes do not match users: %+v", p.Routes)
	}
	if len(m.Connections()) != 3 {
		t.Errorf("Expected 3 open connections, got %d", len(m.Connections()))
	}
}

func TestSingleBindingUnderConcurrentLogins(t *testing.T) {
	m := newTestManager()
	const n = 50
	conns := make([]*transporttest.Recorder, n)
	for i := range conns {
		conns[i] = openConn(t, m)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *transporttest.Recorder) {
			defer wg.Done()
			m.Login(c.ID(), "alice")
		}(c)
	}
	wg.Wait()

	bound := 0
	for _, c := range conns {
		if name, ok := m.Lookup(c.ID()); ok && name == "alice" {
			bound++
		}
	}
	if bound != 1 {
		t.Errorf("Expected exactly one connection bound to alice, got %d", bound)
	}
}

func TestConcurrentLoginsOfDistinctUsers(t *testing.T) {
	m := newTestManager()
	c1, c2 := openConn(t, m), openConn(t, m)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.Login(c1.ID(), "alice") }()
	go func() { defer wg.Done(); m.Login(c2.ID(), "bob") }()
	wg.Wait()

	if got := m.OnlineUsers(); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Errorf("OnlineUsers = %v, want [alice bob]", got)
	}
}

// --- Group Directory Tests ---

func TestCreateGroup(t *testing.T) {
	m := newTestManager()

	group, err := m.CreateGroup("team", []string{"alice", "bob", "alice"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if len(group.Members) != 2 {
		t.Errorf("Expected duplicate members to collapse, got %d members", len(group.Members))
	}
	if got := m.MembersOf("team"); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Errorf("MembersOf = %v, want [alice bob]", got)
	}
	// members need not be online
	if got := m.GroupsOf("bob"); !slices.Equal(got, []string{"team"}) {
		t.Errorf("GroupsOf(bob) = %v, want [team]", got)
	}
	assertIndexConsistent(t, m, []string{"team"}, []string{"alice", "bob", "carol"})
}

func TestCreateGroupIsNotIdempotent(t *testing.T) {
	m := newTestManager()

	if _, err := m.CreateGroup("team", []string{"alice"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	_, err := m.CreateGroup("team", []string{"alice", "bob"})
	if !errors.Is(err, state.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	if got := m.MembersOf("team"); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("first group must be unchanged, got members %v", got)
	}
	if got := m.GroupsOf("bob"); len(got) != 0 {
		t.Errorf("rejected creation leaked into reverse index: %v", got)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	m := newTestManager()

	if _, err := m.CreateGroup("", []string{"alice"}); !errors.Is(err, state.ErrInvalidGroup) {
		t.Errorf("Expected ErrInvalidGroup for empty name, got %v", err)
	}
	if _, err := m.CreateGroup("team", []string{"alice", ""}); !errors.Is(err, state.ErrInvalidGroup) {
		t.Errorf("Expected ErrInvalidGroup for an empty member name, got %v", err)
	}
	if got := m.MembersOf("team"); len(got) != 0 {
		t.Errorf("Rejected group must not be stored, got members %v", got)
	}
}

func TestCreateGroupWithNoMembersReservesName(t *testing.T) {
	m := newTestManager()

	group, err := m.CreateGroup("empty", nil)
	if err != nil {
		t.Fatalf("CreateGroup with no members failed: %v", err)
	}
	if len(group.Members) != 0 {
		t.Errorf("Expected no members, got %v", group.Members)
	}
	if _, err := m.OnlineMembers("empty"); err != nil {
		t.Errorf("Expected the group to exist, got %v", err)
	}

	if _, err := m.CreateGroup("empty", []string{"x"}); !errors.Is(err, state.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for the second creation, got %v", err)
	}
	if m.IsMember("empty", "x") {
		t.Error("Second creation must not add members")
	}
	if got := m.GroupsOf("x"); len(got) != 0 {
		t.Errorf("GroupsOf(x) = %v, want empty", got)
	}
}

func TestQueriesOnUnknownGroup(t *testing.T) {
	m := newTestManager()

	if m.IsMember("nope", "alice") {
		t.Error("IsMember must fail closed for unknown groups")
	}
	if got := m.MembersOf("nope"); got == nil || len(got) != 0 {
		t.Errorf("MembersOf unknown group = %v, want empty set", got)
	}
	if got := m.GroupsOf("nobody"); got == nil || len(got) != 0 {
		t.Errorf("GroupsOf unknown user = %v, want empty set", got)
	}
	if _, err := m.OnlineMembers("nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestOnlineMembers(t *testing.T) {
	m := newTestManager()
	alice := openConn(t, m)
	login(t, m, alice, "alice")
	m.CreateGroup("team", []string{"alice", "bob"})

	routes, err := m.OnlineMembers("team")
	if err != nil {
		t.Fatalf("OnlineMembers failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Username != "alice" || routes[0].Transport.ID() != alice.ID() {
		t.Errorf("Expected only alice online, got %+v", routes)
	}
}

func TestMembershipSurvivesDisconnect(t *testing.T) {
	m := newTestManager()
	first := openConn(t, m)
	login(t, m, first, "alice")
	m.CreateGroup("team", []string{"alice"})

	m.Close(first.ID())
	if !m.IsMember("team", "alice") {
		t.Fatal("membership must survive disconnect")
	}

	second := openConn(t, m)
	login(t, m, second, "alice")
	routes, _ := m.OnlineMembers("team")
	if len(routes) != 1 || routes[0].Transport.ID() != second.ID() {
		t.Errorf("group should route to the new connection, got %+v", routes)
	}
}

func TestRemoveUserEverywhere(t *testing.T) {
	m := newTestManager()
	m.CreateGroup("team", []string{"alice", "bob"})
	m.CreateGroup("solo", []string{"alice"})

	m.RemoveUserEverywhere("alice")

	if m.IsMember("team", "alice") {
		t.Error("alice should have left team")
	}
	if got := m.GroupsOf("alice"); len(got) != 0 {
		t.Errorf("GroupsOf(alice) = %v, want empty", got)
	}
	if _, err := m.OnlineMembers("solo"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected empty group to be deleted, got %v", err)
	}
	if got := m.MembersOf("team"); !slices.Equal(got, []string{"bob"}) {
		t.Errorf("MembersOf(team) = %v, want [bob]", got)
	}
	assertIndexConsistent(t, m, []string{"team", "solo"}, []string{"alice", "bob"})
}

func TestConcurrentGroupCreationKeepsIndicesConsistent(t *testing.T) {
	m := newTestManager()
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	groups := make([]string, 0, 40)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		name := "g" + strconv.Itoa(i%20) // half of the attempts collide
		if i < 20 {
			groups = append(groups, name)
		}
		members := []string{users[i%len(users)], users[(i+1)%len(users)]}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CreateGroup(name, members)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GroupsOf(members[0])
			m.IsMember(name, members[1])
		}()
	}
	wg.Wait()

	assertIndexConsistent(t, m, groups, users)
	for _, g := range groups {
		if got := m.MembersOf(g); len(got) != 2 {
			t.Errorf("group %s has %d members, want 2", g, len(got))
		}
	}
}
