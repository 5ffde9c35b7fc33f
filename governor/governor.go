// Package governor bounds every list-bearing payload to a safe size for
// downstream LLM consumption: per-item string truncation, total item caps and
// a serialized byte ceiling, with explicit truncation signalling.
//
// The governor is idempotent: applying it twice with the same caps yields a
// bit-identical wire payload.
package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "governor")

// Default caps, tuned for a generic downstream context window. Tools override
// them per payload shape; the dispatcher can override them at construction.
const (
	DefaultMaxTotalItems     = 50
	DefaultMaxItemFieldChars = 2000
	DefaultMaxBytes          = 200_000
	DefaultMaxSubListItems   = 20

	// minItemFieldChars is the floor below which the byte pass stops halving
	// per-field budgets and records a note instead of failing.
	minItemFieldChars = 16

	truncationMark = "…"
)

// Caps declares the output budget for one tool payload.
type Caps struct {
	// ItemsField names the list field the governor bounds. Empty means the
	// payload carries no item list and passes through untouched.
	ItemsField string

	// MaxTotalItems caps the list length. Zero is honoured literally: the
	// list is emptied and marked truncated. Negative means default.
	MaxTotalItems int

	MaxItemFieldChars int
	MaxBytes          int
	MaxSubListItems   int
}

// DefaultCaps returns the stock budget for the given items field.
func DefaultCaps(itemsField string) Caps {
	return Caps{
		ItemsField:        itemsField,
		MaxTotalItems:     DefaultMaxTotalItems,
		MaxItemFieldChars: DefaultMaxItemFieldChars,
		MaxBytes:          DefaultMaxBytes,
		MaxSubListItems:   DefaultMaxSubListItems,
	}
}

// FromEnv overlays `<prefix>_MAX_ITEMS`, `<prefix>_MAX_ABSTRACT_CHARS` and
// `<prefix>_MAX_BYTES` onto the caps when set.
func (c Caps) FromEnv(prefix string) Caps {
	if v, ok := envInt(prefix + "_MAX_ITEMS"); ok {
		c.MaxTotalItems = v
	}
	if v, ok := envInt(prefix + "_MAX_ABSTRACT_CHARS"); ok {
		c.MaxItemFieldChars = v
	}
	if v, ok := envInt(prefix + "_MAX_BYTES"); ok {
		c.MaxBytes = v
	}
	return c
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		logger.KV(xlog.WARNING, "env", name, "value", raw, "reason", "not a non-negative integer, ignored")
		return 0, false
	}
	return v, true
}

func (c Caps) normalized() Caps {
	if c.MaxTotalItems < 0 {
		c.MaxTotalItems = DefaultMaxTotalItems
	}
	if c.MaxItemFieldChars <= 0 {
		c.MaxItemFieldChars = DefaultMaxItemFieldChars
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxSubListItems <= 0 {
		c.MaxSubListItems = DefaultMaxSubListItems
	}
	return c
}

// Apply bounds the payload against its declared items field and returns the
// governed payload. The input map is not mutated.
func (c Caps) Apply(payload map[string]any) map[string]any {
	c = c.normalized()
	if c.ItemsField == "" {
		return payload
	}
	rawItems, ok := payload[c.ItemsField].([]any)
	if !ok {
		return payload
	}

	st := &state{
		trimmed: boolField(payload, "truncated"),
		notes:   stringList(payload["notes"]),
	}

	// total_count survives reapplication; the first pass records the true
	// upstream total.
	totalCount := len(rawItems)
	if prev, ok := intField(payload, "total_count"); ok {
		totalCount = prev
	}

	items := c.perItemPass(rawItems, c.MaxItemFieldChars, st)

	if len(items) > c.MaxTotalItems {
		items = items[:c.MaxTotalItems]
		st.trimmed = true
		st.note("item list capped at %d entries", c.MaxTotalItems)
	}

	items = c.bytePass(payload, items, totalCount, st)

	return c.finalize(payload, items, totalCount, st)
}

// finalize assembles the governed envelope; the byte pass measures exactly
// this shape so the emitted payload never exceeds the measured one.
func (c Caps) finalize(payload map[string]any, items []any, totalCount int, st *state) map[string]any {
	out := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		out[k] = v
	}
	delete(out, "warning")
	delete(out, "notes")

	out[c.ItemsField] = items
	out["returned_count"] = len(items)
	out["total_count"] = totalCount
	if st.trimmed {
		out["truncated"] = true
		out["warning"] = fmt.Sprintf("output truncated: returned %d of %d items within the declared size budget", len(items), totalCount)
	}
	if len(st.notes) > 0 {
		out["notes"] = toAnyList(st.notes)
	}
	return out
}

type state struct {
	trimmed bool
	notes   []string
}

func (s *state) note(format string, args ...any) {
	n := fmt.Sprintf(format, args...)
	for _, existing := range s.notes {
		if existing == n {
			return
		}
	}
	s.notes = append(s.notes, n)
}

// perItemPass truncates long string fields and caps sub-lists inside each
// item. Items that are not objects pass through unchanged.
func (c Caps) perItemPass(items []any, maxChars int, st *state) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = c.boundValue(item, maxChars, st)
	}
	return out
}

func (c Caps) boundValue(v any, maxChars int, st *state) any {
	switch val := v.(type) {
	case string:
		return c.truncateString(val, maxChars, st)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = c.boundValue(item, maxChars, st)
		}
		return out
	case []any:
		if len(val) > c.MaxSubListItems {
			val = val[:c.MaxSubListItems]
			st.trimmed = true
			st.note("sub-lists capped at %d entries", c.MaxSubListItems)
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.boundValue(item, maxChars, st)
		}
		return out
	default:
		return v
	}
}

func (c Caps) truncateString(s string, maxChars int, st *state) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	st.trimmed = true
	st.note("string fields truncated to %d chars", maxChars)
	if maxChars < 1 {
		return ""
	}
	return string(runes[:maxChars-1]) + truncationMark
}

// bytePass drops items from the tail until the serialized payload fits the
// byte ceiling. If a single item still exceeds the cap, the per-field char
// budget is halved and the per-item pass redone. Final overflow records a
// note but does not fail.
func (c Caps) bytePass(payload map[string]any, items []any, totalCount int, st *state) []any {
	maxChars := c.MaxItemFieldChars
	for {
		size := len(mustMarshal(c.finalize(payload, items, totalCount, st)))
		if size <= c.MaxBytes {
			return items
		}
		if len(items) > 1 {
			// Estimate how many tail items to shed in one step; the loop
			// corrects one at a time from there.
			drop := estimateDrop(c.ItemsField, items, size, c.MaxBytes)
			items = items[:len(items)-drop]
			st.trimmed = true
			st.note("items dropped to fit the %d byte budget", c.MaxBytes)
			continue
		}
		if maxChars <= minItemFieldChars {
			st.note("payload exceeds the %d byte budget even after reduction", c.MaxBytes)
			return items
		}
		maxChars /= 2
		items = c.perItemPass(items, maxChars, st)
		st.trimmed = true
	}
}

func mustMarshal(v any) []byte {
	bs, err := json.Marshal(v)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "marshal candidate payload", "err", err.Error())
		return nil
	}
	return bs
}

// estimateDrop inspects the serialized items array to guess how many tail
// items must go. Always at least one; never all of them.
func estimateDrop(field string, items []any, size, maxBytes int) int {
	bs, err := json.Marshal(map[string]any{field: items})
	if err != nil {
		return 1
	}
	excess := size - maxBytes
	shed := 0
	dropped := 0
	arr := gjson.GetBytes(bs, field).Array()
	for i := len(arr) - 1; i > 0 && shed < excess; i-- {
		shed += len(arr[i].Raw) + 1 // separator
		dropped++
	}
	if dropped < 1 {
		dropped = 1
	}
	if dropped >= len(items) {
		dropped = len(items) - 1
	}
	return dropped
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
