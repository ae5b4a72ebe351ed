// Package linkresolver rewrites nostr: URIs into links built from a
// user-configured protocol handler template such as
// "https://njump.me/{raw}" or "https://example.com/{ p_or_e }/{hex}".
package linkresolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/Mindburn-Labs/signet/pkg/store"
)

// ErrNoIdentifier means the URI carries nothing after "nostr:".
var ErrNoIdentifier = errors.New("no nostr identifier")

// Decoded is a parsed NIP-19 identifier.
type Decoded struct {
	Raw   string
	HRP   string
	Value any
}

var (
	pOrE = map[string]string{"npub": "p", "note": "e", "nprofile": "p", "nevent": "e", "naddr": "p", "nsec": "p"}
	uOrN = map[string]string{"npub": "u", "note": "n", "nprofile": "u", "nevent": "n", "naddr": "n", "nsec": "n"}

	tokenPattern = regexp.MustCompile(`\{\s*([^{}\s]+)\s*\}`)
)

// Decode extracts and decodes the identifier following "nostr:" in uri. A
// bare identifier without the scheme is accepted too.
func Decode(uri string) (Decoded, error) {
	raw := uri
	if _, after, ok := strings.Cut(uri, "nostr:"); ok {
		raw = after
	}
	if raw == "" {
		return Decoded{}, ErrNoIdentifier
	}
	prefix, value, err := nip19.Decode(raw)
	if err != nil {
		return Decoded{}, fmt.Errorf("decode %q: %w", raw, err)
	}
	return Decoded{Raw: raw, HRP: prefix, Value: value}, nil
}

// Replacements returns the token table for d.
func Replacements(d Decoded) map[string]string {
	r := map[string]string{
		"raw":    d.Raw,
		"hrp":    d.HRP,
		"p_or_e": pOrE[d.HRP],
		"u_or_n": uOrN[d.HRP],
	}
	var relays []string
	switch v := d.Value.(type) {
	case string:
		if d.HRP == "npub" || d.HRP == "note" {
			r["hex"] = v
		}
	case nostr.ProfilePointer:
		r["hex"] = v.PublicKey
		relays = v.Relays
	case nostr.EventPointer:
		r["hex"] = v.ID
		relays = v.Relays
	case nostr.EntityPointer:
		r["hex"] = v.PublicKey
		relays = v.Relays
	}
	for i := 0; i < 3 && i < len(relays); i++ {
		r[fmt.Sprintf("relay%d", i)] = relays[i]
	}
	return r
}

// Resolve substitutes every {token} in template. Unknown or unavailable
// tokens become the empty string; nothing is escaped.
func Resolve(template string, d Decoded) string {
	r := Replacements(d)
	return tokenPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := tokenPattern.FindStringSubmatch(m)[1]
		return r[name]
	})
}

// Resolver resolves URIs against the protocol handler stored in settings.
type Resolver struct {
	kv store.KV
}

// New creates a resolver reading the template from kv.
func New(kv store.KV) *Resolver {
	return &Resolver{kv: kv}
}

// ResolveURL returns the rewritten link, or false when no handler is
// configured or the identifier cannot be decoded.
func (r *Resolver) ResolveURL(ctx context.Context, url string) (any, error) {
	tpl, err := store.GetString(ctx, r.kv, store.KeyProtocolHandler)
	if err != nil {
		return nil, err
	}
	if tpl == "" {
		return false, nil
	}
	d, err := Decode(url)
	if err != nil {
		return false, nil
	}
	return Resolve(tpl, d), nil
}
