package contracts

import (
	"encoding/json"
	"fmt"
)

// MessageKind tags the variants of the wire protocol shared by callers, the
// privileged process and the confirmation surfaces.
type MessageKind string

// Message kinds.
const (
	KindRPC          MessageKind = "rpc"
	KindPromptAnswer MessageKind = "prompt"
	KindKeySetup     MessageKind = "key"
)

// RPCMessage is a caller request correlated by an opaque id.
type RPCMessage struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// RPCReply answers an RPCMessage.
type RPCReply struct {
	ID       string   `json:"id"`
	Response Response `json:"response"`
}

// KeySetupMessage is posted by the key-setup surface.
type KeySetupMessage struct {
	Token string `json:"token"`
	Key   string `json:"key"`
}

// Message is the tagged union of every inbound message. Exactly one payload
// pointer is set, matching Kind.
type Message struct {
	Kind     MessageKind
	RPC      *RPCMessage
	Answer   *PromptResponse
	KeySetup *KeySetupMessage
}

// DecodeMessage decodes raw into the variant selected by kind.
func DecodeMessage(kind MessageKind, raw []byte) (Message, error) {
	msg := Message{Kind: kind}
	var target any
	switch kind {
	case KindRPC:
		msg.RPC = &RPCMessage{}
		target = msg.RPC
	case KindPromptAnswer:
		msg.Answer = &PromptResponse{}
		target = msg.Answer
	case KindKeySetup:
		msg.KeySetup = &KeySetupMessage{}
		target = msg.KeySetup
	default:
		return Message{}, fmt.Errorf("unknown message kind %q", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return Message{}, fmt.Errorf("decode %s message: %w", kind, err)
	}
	return msg, nil
}
