// Package envelope defines the message units exchanged between a connection and
// the routing engine. Each kind of envelope is its own type; the JSON wire form
// shared by all of them lives in codec.go.
package envelope

import "strings"

// Kind is the wire tag carried in the "type" field.
type Kind string

const (
	// inbound
	KindLogin       Kind = "login"
	KindCreateGroup Kind = "createGroup"
	KindMessage     Kind = "message"

	// outbound
	KindUserList  Kind = "userList"
	KindGroupList Kind = "groupList"
	KindGroup     Kind = "group"
	KindPrivate   Kind = "private"
)

// GroupPrefix marks a message recipient as a group rather than a username.
const GroupPrefix = "group:"

// SystemSender is the sender name used for engine-authored messages.
const SystemSender = "System"

// Inbound is a decoded envelope received from a connection.
type Inbound interface {
	Kind() Kind
}

// Outbound is an envelope produced by the engine for one or more connections.
type Outbound interface {
	Kind() Kind
	wire() wireEnvelope
}

// Login authenticates the sending connection as Username.
type Login struct {
	Username string `validate:"required"`
}

// CreateGroup creates a named group with a fixed member set. The set may be
// empty; the name is reserved either way.
type CreateGroup struct {
	Name    string   `validate:"required"`
	Members []string `validate:"dive,required"`
}

// Chat is a message addressed to a user or a group. Empty content is
// delivered as is.
type Chat struct {
	To      Recipient
	Content string
}

func (Login) Kind() Kind       { return KindLogin }
func (CreateGroup) Kind() Kind { return KindCreateGroup }
func (Chat) Kind() Kind        { return KindMessage }

// Recipient is the parsed form of a message "recipient" field.
type Recipient struct {
	Name  string `validate:"required"`
	Group bool
}

// ParseRecipient splits "group:<name>" from a bare username.
func ParseRecipient(raw string) Recipient {
	if name, ok := strings.CutPrefix(raw, GroupPrefix); ok {
		return Recipient{Name: name, Group: true}
	}
	return Recipient{Name: raw}
}

func (r Recipient) String() string {
	if r.Group {
		return GroupPrefix + r.Name
	}
	return r.Name
}

// UserList carries every online username.
type UserList struct {
	Users []string
}

// GroupList carries every group one member belongs to.
type GroupList struct {
	Groups []string
}

// GroupMessage is a message fanned out to the online members of Group.
type GroupMessage struct {
	Sender  string
	Group   string
	Content string
}

// PrivateMessage is delivered to Recipient and echoed to Sender.
type PrivateMessage struct {
	Sender    string
	Recipient string
	Content   string
}

func (UserList) Kind() Kind       { return KindUserList }
func (GroupList) Kind() Kind      { return KindGroupList }
func (GroupMessage) Kind() Kind   { return KindGroup }
func (PrivateMessage) Kind() Kind { return KindPrivate }

func (u UserList) wire() wireEnvelope {
	return wireEnvelope{Type: KindUserList, Content: strings.Join(u.Users, ",")}
}

func (g GroupList) wire() wireEnvelope {
	return wireEnvelope{Type: KindGroupList, Content: strings.Join(g.Groups, ",")}
}

func (m GroupMessage) wire() wireEnvelope {
	return wireEnvelope{Type: KindGroup, Sender: m.Sender, Recipient: m.Group, Content: m.Content}
}

func (m PrivateMessage) wire() wireEnvelope {
	return wireEnvelope{Type: KindPrivate, Sender: m.Sender, Recipient: m.Recipient, Content: m.Content}
}
