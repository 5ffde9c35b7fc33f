package creds

import (
	"strings"
	"sync"
)

// redactMinLen guards against registering trivially short values whose
// replacement would mangle unrelated text.
const redactMinLen = 4

const redactMask = "***"

// Redactor replaces known secret substrings with *** before any string leaves
// the process in a log line or envelope field. Safe for concurrent use.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers a secret value for redaction.
func (r *Redactor) Add(secret string) {
	if len(secret) < redactMinLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
}

// Redact returns s with every registered secret replaced by ***.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redactMask)
	}
	return s
}

// RedactAny walks a decoded JSON value and redacts every string in place,
// returning the rewritten value. Maps and slices are copied shallowly.
func (r *Redactor) RedactAny(v any) any {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.RedactAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.RedactAny(item)
		}
		return out
	default:
		return v
	}
}
