package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// ErrMalformed is returned for frames that are not a valid inbound envelope.
var ErrMalformed = errors.New("malformed envelope")

var validate = validator.New()

// wireEnvelope is the JSON object exchanged on the socket. Every field is always
// written, even when empty.
type wireEnvelope struct {
	Type         Kind     `json:"type"`
	Sender       string   `json:"sender"`
	Recipient    string   `json:"recipient"`
	Content      string   `json:"content"`
	GroupMembers []string `json:"groupMembers"`
}

// Decode parses one inbound frame into its typed envelope.
func Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformed)
	}

	var in Inbound
	switch kind := Kind(root.Get("type").String()); kind {
	case KindLogin:
		in = Login{Username: root.Get("content").String()}
	case KindCreateGroup:
		members, err := stringArray(root.Get("groupMembers"))
		if err != nil {
			return nil, err
		}
		in = CreateGroup{Name: root.Get("content").String(), Members: members}
	case KindMessage:
		if !root.Get("content").Exists() {
			return nil, fmt.Errorf("%w: message: missing content", ErrMalformed)
		}
		in = Chat{
			To:      ParseRecipient(root.Get("recipient").String()),
			Content: root.Get("content").String(),
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, kind)
	}

	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, in.Kind(), err)
	}
	return in, nil
}

func stringArray(res gjson.Result) ([]string, error) {
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: groupMembers must be an array", ErrMalformed)
	}
	items := res.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%w: groupMembers must contain strings", ErrMalformed)
		}
		out = append(out, item.String())
	}
	return out, nil
}

// Encode renders an outbound envelope in wire form.
func Encode(out Outbound) ([]byte, error) {
	w := out.wire()
	if w.GroupMembers == nil {
		w.GroupMembers = []string{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", out.Kind(), err)
	}
	return b, nil
}

// DecodeOutbound parses a frame produced by Encode. Clients and tests use it to
// read what the engine delivered.
func DecodeOutbound(data []byte) (Outbound, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Type {
	case KindUserList:
		return UserList{Users: splitList(w.Content)}, nil
	case KindGroupList:
		return GroupList{Groups: splitList(w.Content)}, nil
	case KindGroup:
		return GroupMessage{Sender: w.Sender, Group: w.Recipient, Content: w.Content}, nil
	case KindPrivate:
		return PrivateMessage{Sender: w.Sender, Recipient: w.Recipient, Content: w.Content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown outbound type %q", ErrMalformed, w.Type)
	}
}

func splitList(content string) []string {
	if content == "" {
		return []string{}
	}
	return strings.Split(content, ",")
}
