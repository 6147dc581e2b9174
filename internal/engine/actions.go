package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/chatrelay/pkg/envelope"
	"github.com/a-essam23/chatrelay/pkg/pipeline"
	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/samber/lo"
)

func handleLogin(c *pipeline.Cargo) (*pipeline.Batch, error) {
	login, ok := c.Envelope.(envelope.Login)
	if !ok {
		return nil, fmt.Errorf("%w: expected login, got %T", envelope.ErrMalformed, c.Envelope)
	}

	res, err := c.StateManager.Login(c.ConnID, login.Username)
	if err != nil {
		return nil, fmt.Errorf("login as %q: %w", login.Username, err)
	}
	if res.Repeated {
		c.Logger.Debug("Repeated login ignored", slog.String("username", res.Username))
		return nil, nil
	}
	c.Logger.Info("User logged in", slog.String("username", res.Username))

	batch := &pipeline.Batch{}
	if res.Superseded != nil {
		c.Logger.Info("Dropping superseded connection",
			slog.String("username", res.Username),
			slog.String("oldConnID", res.Superseded.ID().String()),
		)
		batch.Evict(res.Superseded, state.ErrSuperseded)
	}
	return presenceBroadcast(c.StateManager, batch), nil
}

func handleCreateGroup(c *pipeline.Cargo) (*pipeline.Batch, error) {
	req, ok := c.Envelope.(envelope.CreateGroup)
	if !ok {
		return nil, fmt.Errorf("%w: expected createGroup, got %T", envelope.ErrMalformed, c.Envelope)
	}

	members := lo.Uniq(req.Members)
	if _, err := c.StateManager.CreateGroup(req.Name, members); err != nil {
		return nil, fmt.Errorf("create group %q: %w", req.Name, err)
	}
	c.Logger.Info("Group created", slog.String("group", req.Name), slog.Any("members", members))

	routes, err := c.StateManager.OnlineMembers(req.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve members of %q: %w", req.Name, err)
	}

	batch := &pipeline.Batch{}
	for _, route := range routes {
		batch.Add(envelope.GroupList{Groups: c.StateManager.GroupsOf(route.Username)}, route.Transport)
	}
	announcement := envelope.GroupMessage{
		Sender:  envelope.SystemSender,
		Group:   req.Name,
		Content: creationNotice(req.Name, members),
	}
	return batch.Add(announcement, transports(routes)...), nil
}

func creationNotice(group string, members []string) string {
	return fmt.Sprintf("Group '%s' has been created with members: %s", group, strings.Join(members, ", "))
}

func handleChat(c *pipeline.Cargo) (*pipeline.Batch, error) {
	msg, ok := c.Envelope.(envelope.Chat)
	if !ok {
		return nil, fmt.Errorf("%w: expected message, got %T", envelope.ErrMalformed, c.Envelope)
	}
	if !c.Authenticated() {
		return nil, fmt.Errorf("message from anonymous connection: %w", state.ErrNotFound)
	}
	if msg.To.Group {
		return routeGroupMessage(c, msg)
	}
	return routePrivateMessage(c, msg)
}

func routeGroupMessage(c *pipeline.Cargo, msg envelope.Chat) (*pipeline.Batch, error) {
	routes, err := c.StateManager.OnlineMembers(msg.To.Name)
	if err != nil {
		return nil, err
	}
	if !c.StateManager.IsMember(msg.To.Name, c.Username) {
		return nil, fmt.Errorf("%q posting to %q: %w", c.Username, msg.To.Name, state.ErrNotMember)
	}

	out := envelope.GroupMessage{Sender: c.Username, Group: msg.To.Name, Content: msg.Content}
	return (&pipeline.Batch{}).Add(out, transports(routes)...), nil
}

// Private messages go to the recipient when online and are always echoed to
// the sender's own connection.
func routePrivateMessage(c *pipeline.Cargo, msg envelope.Chat) (*pipeline.Batch, error) {
	out := envelope.PrivateMessage{Sender: c.Username, Recipient: msg.To.Name, Content: msg.Content}

	targets := make([]state.Transport, 0, 2)
	recipient, online := c.StateManager.ResolveConnection(msg.To.Name)
	if online {
		targets = append(targets, recipient)
	} else {
		c.Logger.Debug("Recipient offline, message not delivered", slog.String("recipient", msg.To.Name))
	}
	if c.Origin != nil && (!online || recipient.ID() != c.Origin.ID()) {
		targets = append(targets, c.Origin)
	}
	return (&pipeline.Batch{}).Add(out, targets...), nil
}

// presenceBroadcast adds one userList envelope per authenticated connection,
// built from a single registry snapshot.
func presenceBroadcast(sm state.SessionRegistry, batch *pipeline.Batch) *pipeline.Batch {
	p := sm.Presence()
	return batch.Add(envelope.UserList{Users: p.Users}, transports(p.Routes)...)
}

func transports(routes []state.Route) []state.Transport {
	return lo.Map(routes, func(r state.Route, _ int) state.Transport {
		return r.Transport
	})
}
