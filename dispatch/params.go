package dispatch

// Typed accessors over already-coerced params. Handlers call these instead of
// repeating type assertions; a missing or mistyped key yields the zero value
// or the supplied default.

// String returns the string value for key, or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// StringOr returns the string value for key, or def when absent or empty.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Bool returns the boolean value for key, or false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// BoolOr returns the boolean value for key, or def when absent or not a
// boolean.
func (p Params) BoolOr(key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}

// Float returns the numeric value for key.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Int returns the numeric value for key truncated to int.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}

// IntOr returns the numeric value for key, or def when absent.
func (p Params) IntOr(key string, def int) int {
	if n, ok := p.Int(key); ok {
		return n
	}
	return def
}

// List returns the list value for key, or nil.
func (p Params) List(key string) []any {
	l, _ := p[key].([]any)
	return l
}

// Strings returns the list value for key with every element rendered as a
// string; non-string elements are skipped.
func (p Params) Strings(key string) []string {
	list := p.List(key)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns the nested mapping for key, or nil.
func (p Params) Map(key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}

// Has reports whether the key is present, regardless of value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}
