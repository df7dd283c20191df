// Package auth authenticates client requests against the configured gateway
// API keys.
//
// Raw client keys are never held past startup: each configured key is reduced
// to an HMAC-SHA256 digest under the gateway secret, and incoming credentials
// are matched by recomputing the digest. The digest doubles as the stable
// api_key_id used in metrics and logs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"
)

var (
	// ErrNoCredentials means the request carried no recognisable API key.
	ErrNoCredentials = errors.New("auth: missing api key")
	// ErrUnknownKey means the presented key matches no configured key.
	ErrUnknownKey = errors.New("auth: unknown api key")
	// ErrInactiveKey means the key exists but has been deactivated.
	ErrInactiveKey = errors.New("auth: api key is inactive")
)

// Identity is the authenticated caller.
type Identity struct {
	// KeyID is the hex HMAC digest of the presented key — safe for logs.
	KeyID string
	// Name is the operator-assigned key label.
	Name string
	// AllowedProviders restricts routing; empty means all providers.
	AllowedProviders []string
}

// Allows reports whether the identity may route to providerID.
func (id *Identity) Allows(providerID string) bool {
	if len(id.AllowedProviders) == 0 {
		return true
	}
	for _, p := range id.AllowedProviders {
		if p == providerID {
			return true
		}
	}
	return false
}

// FilterProviders returns the subset of providerIDs this identity may use,
// preserving order.
func (id *Identity) FilterProviders(providerIDs []string) []string {
	if len(id.AllowedProviders) == 0 {
		return providerIDs
	}
	out := make([]string, 0, len(providerIDs))
	for _, p := range providerIDs {
		if id.Allows(p) {
			out = append(out, p)
		}
	}
	return out
}

type keyEntry struct {
	name             string
	active           bool
	allowedProviders []string
}

// Authenticator validates API keys presented on client requests.
type Authenticator struct {
	secret []byte
	keys   map[string]keyEntry // digest hex → entry
}

// ConfiguredKey is one gateway API key as loaded from configuration.
type ConfiguredKey struct {
	Key              string
	Name             string
	Active           bool
	AllowedProviders []string
}

// New builds an Authenticator. Raw keys are digested immediately and
// discarded.
func New(secret string, keys []ConfiguredKey) *Authenticator {
	a := &Authenticator{
		secret: []byte(secret),
		keys:   make(map[string]keyEntry, len(keys)),
	}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		a.keys[a.digest(k.Key)] = keyEntry{
			name:             k.Name,
			active:           k.Active,
			allowedProviders: k.AllowedProviders,
		}
	}
	return a
}

// Digest returns the hex HMAC-SHA256 of value under the gateway secret.
// Shared with the key pool so cache members use the same derivation.
func (a *Authenticator) Digest(value string) string {
	return a.digest(value)
}

func (a *Authenticator) digest(value string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate extracts the API key from the request and validates it.
// Accepts "Authorization: Bearer <key>" and "X-API-Key: <key>".
func (a *Authenticator) Authenticate(ctx *fasthttp.RequestCtx) (*Identity, error) {
	raw := extractKey(ctx)
	if raw == "" {
		return nil, ErrNoCredentials
	}

	id := a.digest(raw)
	entry, ok := a.keys[id]
	if !ok {
		return nil, ErrUnknownKey
	}
	if !entry.active {
		return nil, ErrInactiveKey
	}

	return &Identity{
		KeyID:            id,
		Name:             entry.name,
		AllowedProviders: entry.allowedProviders,
	}, nil
}

func extractKey(ctx *fasthttp.RequestCtx) string {
	if h := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); h != "" {
		if tok := parseBearerToken(h); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
