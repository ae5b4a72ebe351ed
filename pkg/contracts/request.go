// Package contracts defines the values exchanged between the signing gateway's
// components: caller requests and responses, stored policies, confirmation
// prompts and the wire messages validated at the transport boundary.
package contracts

import (
	"encoding/json"
)

// Operation type constants understood by the gateway.
const (
	OpGetPublicKey = "getPublicKey"
	OpSignEvent    = "signEvent"
	OpNip04Encrypt = "nip04.encrypt"
	OpNip04Decrypt = "nip04.decrypt"
	OpNip44Encrypt = "nip44.encrypt"
	OpNip44Decrypt = "nip44.decrypt"
	OpNip19Decode  = "nip19.decode"
	OpNpubEncode   = "nip19.npubEncode"
	OpReplaceURL   = "replaceURL"
)

// NoPermissionsRequired lists operations that never touch the secret key and
// therefore bypass authorization entirely.
var NoPermissionsRequired = map[string]bool{
	OpReplaceURL: true,
}

// PermissionNames maps each authorized operation to the phrase shown to humans
// in confirmations and notifications.
var PermissionNames = map[string]string{
	OpGetPublicKey: "get your public key",
	OpSignEvent:    "sign an event",
	OpNip04Encrypt: "encrypt a message for a recipient",
	OpNip04Decrypt: "decrypt a message from someone",
	OpNip44Encrypt: "encrypt a message for a recipient",
	OpNip44Decrypt: "decrypt a message from someone",
	OpNip19Decode:  "decode something",
	OpNpubEncode:   "encode a public key",
}

// IsExempt reports whether opType bypasses authorization.
func IsExempt(opType string) bool {
	return NoPermissionsRequired[opType]
}

// IsKnown reports whether opType is an operation the gateway can perform.
func IsKnown(opType string) bool {
	if IsExempt(opType) {
		return true
	}
	_, ok := PermissionNames[opType]
	return ok
}

// DescribeOperation returns the human phrase for opType, or opType itself.
func DescribeOperation(opType string) string {
	if name, ok := PermissionNames[opType]; ok {
		return name
	}
	return opType
}

// Request is a single operation asked for by an untrusted caller. It lives for
// exactly one orchestration cycle and is never persisted.
type Request struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
	Origin string          `json:"host"`
}

// Response is what the caller receives. Exactly one of Result or Error is
// meaningful; a nil Result with no Error is the empty response returned for
// unrecognized operations.
type Response struct {
	Result any            `json:"-"`
	Error  *ResponseError `json:"-"`
}

// ResponseError is the opaque failure object surfaced to callers. It carries a
// message only; stacks and internal identifiers never leave the process.
type ResponseError struct {
	Message string `json:"message"`
}

// Success wraps an operation result.
func Success(result any) Response {
	return Response{Result: result}
}

// Failure converts err into the caller-facing error envelope.
func Failure(err error) Response {
	msg := "unknown error"
	if err != nil {
		msg = PublicMessage(err)
	}
	return Response{Error: &ResponseError{Message: msg}}
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool {
	return r.Error != nil
}

// MarshalJSON renders the response as the caller contract expects: the result
// itself on success, or {"error":{"message":...}} on failure.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *ResponseError `json:"error"`
		}{r.Error})
	}
	return json.Marshal(r.Result)
}
