// Package creds resolves credential profiles from the process environment and
// redacts secret values from every outgoing string.
//
// A profile names the environment variables one credential bundle needs. The
// variable name is composed by convention: `<TOOL>_<FIELD>` for tool-scoped
// bundles (DISCORD_BOT_TOKEN) and `<TOOL>_<PROVIDER>_<FIELD>` for
// multi-tenant tools (IMAP_GMAIL_PASSWORD). Profiles are resolved lazily on
// first use and cached for the process lifetime.
package creds

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/effective-security/toolbelt/envelope"
)

// Field describes one logical credential field within a profile.
type Field struct {
	// Name is the logical field name, e.g. "token", "password", "endpoint".
	Name string
	// Env overrides the composed environment variable name when set.
	Env string
	// Optional fields resolve to the empty string when unset.
	Optional bool
	// Secret values are registered with the redactor; endpoints, user names
	// and similar non-secret settings should leave this false.
	Secret bool
}

// Profile is a named credential bundle.
type Profile struct {
	// Tool is the tool scope, e.g. "IMAP", "DISCORD".
	Tool string
	// Provider is the optional provider scope for multi-tenant tools,
	// e.g. "GMAIL".
	Provider string
	Fields   []Field
}

// Key returns the cache key for the profile: "{tool}" or "{tool}_{provider}".
func (p Profile) Key() string {
	if p.Provider == "" {
		return strings.ToUpper(p.Tool)
	}
	return strings.ToUpper(p.Tool) + "_" + strings.ToUpper(p.Provider)
}

// EnvName returns the environment variable holding the given field.
func (p Profile) EnvName(f Field) string {
	if f.Env != "" {
		return f.Env
	}
	return p.Key() + "_" + strings.ToUpper(f.Name)
}

// Secret marks a required secret field.
func Secret(name string) Field { return Field{Name: name, Secret: true} }

// Setting marks a required non-secret field (endpoint, email, region).
func Setting(name string) Field { return Field{Name: name} }

// OptionalSetting marks an optional non-secret field.
func OptionalSetting(name string) Field { return Field{Name: name, Optional: true} }

// OptionalSecret marks an optional secret field.
func OptionalSecret(name string) Field { return Field{Name: name, Optional: true, Secret: true} }

// Resolved maps logical field names to resolved values.
type Resolved map[string]string

// Resolver resolves profiles against the process environment.
type Resolver struct {
	mu       sync.RWMutex
	cache    map[string]Resolved
	lookup   func(string) (string, bool)
	redactor *Redactor
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces the environment lookup, for tests.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookup = fn }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		cache:    make(map[string]Resolved),
		lookup:   os.LookupEnv,
		redactor: NewRedactor(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redactor returns the redactor holding every secret this resolver has seen.
func (r *Resolver) Redactor() *Redactor { return r.redactor }

// Resolve reads the profile from the environment, caching the result. A
// missing required variable yields an authentication error whose hint names
// the variable.
func (r *Resolver) Resolve(p Profile) (Resolved, error) {
	key := p.Key()

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	res := make(Resolved, len(p.Fields))
	for _, f := range p.Fields {
		env := p.EnvName(f)
		val, present := r.lookup(env)
		if !present || val == "" {
			if f.Optional {
				continue
			}
			return nil, envelope.Authentication("missing credential %q for %s", f.Name, key).
				WithHint("set the %s environment variable", env).
				WithField("profile", key)
		}
		res[f.Name] = val
		if f.Secret {
			r.redactor.Add(val)
		}
	}

	r.mu.Lock()
	r.cache[key] = res
	r.mu.Unlock()
	return res, nil
}

type ctxKey struct{}

// NewContext attaches resolved credentials for the handler being invoked.
func NewContext(ctx context.Context, res Resolved) context.Context {
	return context.WithValue(ctx, ctxKey{}, res)
}

// FromContext returns the credentials attached by the dispatcher, if any.
func FromContext(ctx context.Context) Resolved {
	res, _ := ctx.Value(ctxKey{}).(Resolved)
	return res
}
