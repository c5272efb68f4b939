// Package proto defines the Maelstrom wire protocol spoken by zephyrcast
// nodes: a line-delimited JSON envelope carrying a tagged body.
package proto

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Type is the body type tag.
type Type string

const (
	TypeInit        Type = "init"
	TypeInitOK      Type = "init_ok"
	TypeBroadcast   Type = "broadcast"
	TypeBroadcastOK Type = "broadcast_ok"
	TypeRead        Type = "read"
	TypeReadOK      Type = "read_ok"
	TypeTopology    Type = "topology"
	TypeTopologyOK  Type = "topology_ok"
	TypeGossip      Type = "gossip"
	TypeGossipOK    Type = "gossip_ok"
	TypeEcho        Type = "echo"
	TypeEchoOK      Type = "echo_ok"
	TypeGenerate    Type = "generate"
	TypeGenerateOK  Type = "generate_ok"
	TypeError       Type = "error"
)

// Header holds the fields shared by every body. MsgID and InReplyTo are
// nil when absent from the wire; 0 is a valid id.
type Header struct {
	Type      Type `json:"type"`
	MsgID     *int `json:"msg_id,omitempty"`
	InReplyTo *int `json:"in_reply_to,omitempty"`
}

// ID returns a pointer to id for use in MsgID and InReplyTo.
func ID(id int) *int { return &id }

// Head returns the header so that every body type satisfies Body.
func (h *Header) Head() *Header { return h }

// Body is one of the concrete body types below.
type Body interface {
	Head() *Header
}

type Init struct {
	Header
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type InitOK struct{ Header }

type Broadcast struct {
	Header
	Message int `json:"message"`
}

type BroadcastOK struct{ Header }

type Read struct{ Header }

type ReadOK struct {
	Header
	Messages []int `json:"messages"`
}

type Topology struct {
	Header
	Topology map[string][]string `json:"topology"`
}

type TopologyOK struct{ Header }

// Gossip carries a batch of values pushed to a neighbor.
type Gossip struct {
	Header
	Messages []int `json:"messages"`
}

// GossipOK acknowledges a whole Gossip batch. Messages lists the values
// that were new to the receiver.
type GossipOK struct {
	Header
	Messages []int `json:"messages"`
}

type Echo struct {
	Header
	Echo string `json:"echo"`
}

type EchoOK struct {
	Header
	Echo string `json:"echo"`
}

type Generate struct{ Header }

type GenerateOK struct {
	Header
	ID string `json:"id"`
}

// Unknown is any body whose type tag is not recognized. Raw keeps the
// original bytes for logging.
type Unknown struct {
	Header
	Raw json.RawMessage `json:"-"`
}

// TypeOf returns the wire tag of b.
func TypeOf(b Body) Type {
	switch b.(type) {
	case *Init:
		return TypeInit
	case *InitOK:
		return TypeInitOK
	case *Broadcast:
		return TypeBroadcast
	case *BroadcastOK:
		return TypeBroadcastOK
	case *Read:
		return TypeRead
	case *ReadOK:
		return TypeReadOK
	case *Topology:
		return TypeTopology
	case *TopologyOK:
		return TypeTopologyOK
	case *Gossip:
		return TypeGossip
	case *GossipOK:
		return TypeGossipOK
	case *Echo:
		return TypeEcho
	case *EchoOK:
		return TypeEchoOK
	case *Generate:
		return TypeGenerate
	case *GenerateOK:
		return TypeGenerateOK
	case *Error:
		return TypeError
	default:
		return b.Head().Type
	}
}

func newBody(t Type) Body {
	switch t {
	case TypeInit:
		return &Init{}
	case TypeInitOK:
		return &InitOK{}
	case TypeBroadcast:
		return &Broadcast{}
	case TypeBroadcastOK:
		return &BroadcastOK{}
	case TypeRead:
		return &Read{}
	case TypeReadOK:
		return &ReadOK{}
	case TypeTopology:
		return &Topology{}
	case TypeTopologyOK:
		return &TopologyOK{}
	case TypeGossip:
		return &Gossip{}
	case TypeGossipOK:
		return &GossipOK{}
	case TypeEcho:
		return &Echo{}
	case TypeEchoOK:
		return &EchoOK{}
	case TypeGenerate:
		return &Generate{}
	case TypeGenerateOK:
		return &GenerateOK{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// DecodeBody parses a raw body. Unrecognized type tags decode to *Unknown
// rather than failing.
func DecodeBody(raw json.RawMessage) (Body, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errors.Wrap(err, "decode body header")
	}
	if h.Type == "" {
		return nil, errors.New("body has no type")
	}
	b := newBody(h.Type)
	if b == nil {
		return &Unknown{Header: h, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, errors.Wrapf(err, "decode %s body", h.Type)
	}
	return b, nil
}

// Envelope is one message on the wire.
type Envelope struct {
	Src  string
	Dest string
	Body Body
}

type wireEnvelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSON stamps the body type tag before encoding.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, errors.New("envelope has no body")
	}
	e.Body.Head().Type = TypeOf(e.Body)
	raw, err := json.Marshal(e.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s body", e.Body.Head().Type)
	}
	return json.Marshal(wireEnvelope{Src: e.Src, Dest: e.Dest, Body: raw})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode envelope")
	}
	if len(w.Body) == 0 {
		return errors.New("envelope has no body")
	}
	b, err := DecodeBody(w.Body)
	if err != nil {
		return err
	}
	e.Src, e.Dest, e.Body = w.Src, w.Dest, b
	return nil
}

// IsReply reports whether the envelope answers an earlier request.
func (e Envelope) IsReply() bool {
	return e.Body != nil && e.Body.Head().InReplyTo != nil
}
