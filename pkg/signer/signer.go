// Package signer is the crypto collaborator. It performs the gateway's
// operations with the configured secret key using go-nostr, and never makes
// authorization decisions.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/secretcache"
)

// KeySource yields the hex secret key, or contracts.ErrMissingKey.
type KeySource interface {
	SecretKey(ctx context.Context) (string, error)
}

// Params is the union of every operation's parameters.
type Params struct {
	Event      *nostr.Event `json:"event,omitempty"`
	Peer       string       `json:"peer,omitempty"`
	Plaintext  string       `json:"plaintext,omitempty"`
	Ciphertext string       `json:"ciphertext,omitempty"`
	Code       string       `json:"code,omitempty"`
	PubKey     string       `json:"pubkey,omitempty"`
}

// DecodeParams parses raw params. Empty input yields zero Params.
func DecodeParams(raw json.RawMessage) (Params, error) {
	var p Params
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", contracts.ErrInvalidParams, err)
	}
	return p, nil
}

// Decoded is the result of nip19.decode.
type Decoded struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Operator performs operations for the orchestrator. It also satisfies
// nostr.Keyer so it can be handed to go-nostr helpers directly.
type Operator struct {
	keys  KeySource
	nip04 *secretcache.Deriver
	nip44 *secretcache.Deriver
}

var _ nostr.Keyer = (*Operator)(nil)

// New creates an operator with derivation caches of cacheSize peers each.
func New(keys KeySource, cacheSize int) (*Operator, error) {
	d04, err := secretcache.NewDeriver(cacheSize, func(sk, peer string) ([]byte, error) {
		return nip04.ComputeSharedSecret(peer, sk)
	})
	if err != nil {
		return nil, err
	}
	d44, err := secretcache.NewDeriver(cacheSize, func(sk, peer string) ([]byte, error) {
		ck, err := nip44.GenerateConversationKey(peer, sk)
		if err != nil {
			return nil, err
		}
		return ck[:], nil
	})
	if err != nil {
		return nil, err
	}
	return &Operator{keys: keys, nip04: d04, nip44: d44}, nil
}

// Perform runs opType with params and returns a JSON-encodable result.
func (o *Operator) Perform(ctx context.Context, opType string, raw json.RawMessage) (any, error) {
	p, err := DecodeParams(raw)
	if err != nil {
		return nil, err
	}

	switch opType {
	case contracts.OpNip19Decode:
		return decode(p.Code)
	case contracts.OpNpubEncode:
		if p.PubKey == "" {
			return nil, fmt.Errorf("%w: missing pubkey", contracts.ErrInvalidParams)
		}
		return nip19.EncodePublicKey(p.PubKey)
	}
	if !contracts.IsKnown(opType) || contracts.IsExempt(opType) {
		return nil, fmt.Errorf("%w: %s", contracts.ErrInvalidOperation, opType)
	}

	sk, err := o.keys.SecretKey(ctx)
	if err != nil {
		return nil, err
	}

	switch opType {
	case contracts.OpGetPublicKey:
		return nostr.GetPublicKey(sk)
	case contracts.OpSignEvent:
		if p.Event == nil {
			return nil, fmt.Errorf("%w: missing event", contracts.ErrInvalidParams)
		}
		evt := *p.Event
		if err := signEvent(&evt, sk); err != nil {
			return nil, err
		}
		return evt, nil
	case contracts.OpNip04Encrypt:
		key, err := o.nip04.Derive(sk, p.Peer)
		if err != nil {
			return nil, fmt.Errorf("nip04 shared secret: %w", err)
		}
		return nip04.Encrypt(p.Plaintext, key)
	case contracts.OpNip04Decrypt:
		key, err := o.nip04.Derive(sk, p.Peer)
		if err != nil {
			return nil, fmt.Errorf("nip04 shared secret: %w", err)
		}
		return nip04.Decrypt(p.Ciphertext, key)
	case contracts.OpNip44Encrypt:
		ck, err := o.conversationKey(sk, p.Peer)
		if err != nil {
			return nil, err
		}
		return nip44.Encrypt(p.Plaintext, ck)
	case contracts.OpNip44Decrypt:
		ck, err := o.conversationKey(sk, p.Peer)
		if err != nil {
			return nil, err
		}
		return nip44.Decrypt(p.Ciphertext, ck)
	}
	return nil, fmt.Errorf("%w: %s", contracts.ErrInvalidOperation, opType)
}

// GetPublicKey implements nostr.User.
func (o *Operator) GetPublicKey(ctx context.Context) (string, error) {
	sk, err := o.keys.SecretKey(ctx)
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(sk)
}

// SignEvent implements nostr.Signer.
func (o *Operator) SignEvent(ctx context.Context, evt *nostr.Event) error {
	sk, err := o.keys.SecretKey(ctx)
	if err != nil {
		return err
	}
	return signEvent(evt, sk)
}

// Encrypt implements nostr.Cipher with NIP-44.
func (o *Operator) Encrypt(ctx context.Context, plaintext, recipient string) (string, error) {
	sk, err := o.keys.SecretKey(ctx)
	if err != nil {
		return "", err
	}
	ck, err := o.conversationKey(sk, recipient)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

// Decrypt implements nostr.Cipher with NIP-44.
func (o *Operator) Decrypt(ctx context.Context, ciphertext, sender string) (string, error) {
	sk, err := o.keys.SecretKey(ctx)
	if err != nil {
		return "", err
	}
	ck, err := o.conversationKey(sk, sender)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, ck)
}

// CachedPeers reports how many peers each derivation cache holds.
func (o *Operator) CachedPeers() (nip04Peers, nip44Peers int) {
	return o.nip04.Len(), o.nip44.Len()
}

func (o *Operator) conversationKey(sk, peer string) ([32]byte, error) {
	var ck [32]byte
	b, err := o.nip44.Derive(sk, peer)
	if err != nil {
		return ck, fmt.Errorf("nip44 conversation key: %w", err)
	}
	copy(ck[:], b)
	return ck, nil
}

func signEvent(evt *nostr.Event, sk string) error {
	if err := evt.Sign(sk); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidEvent, err)
	}
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return contracts.ErrInvalidEvent
	}
	return nil
}

func decode(code string) (Decoded, error) {
	if code == "" {
		return Decoded{}, errors.New("nothing to decode")
	}
	prefix, value, err := nip19.Decode(code)
	if err != nil {
		return Decoded{}, fmt.Errorf("nip19 decode: %w", err)
	}
	return Decoded{Type: prefix, Data: value}, nil
}
