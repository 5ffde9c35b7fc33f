package fileeditor

import (
	"regexp"
	"strings"

	"github.com/effective-security/toolbelt/envelope"
)

// Edit is one surgical transform applied to the in-memory content. Transforms
// apply sequentially; any failure aborts the whole batch with no write.
type Edit struct {
	Type       string
	Search     string
	Replace    string
	Occurrence int
	Line       int
	StartLine  int
	EndLine    int
	Content    string
}

const (
	editSearchReplace = "search_replace"
	editRegexReplace  = "regex_replace"
	editInsertAfter   = "insert_after"
	editInsertBefore  = "insert_before"
	editDeleteLines   = "delete_lines"
	editReplaceLines  = "replace_lines"
)

// parseEdits decodes the raw edits list. An empty list is invalid; edits are
// never a silent no-op.
func parseEdits(raw []any) ([]Edit, error) {
	if len(raw) == 0 {
		return nil, envelope.Validation("edits must be a non-empty list")
	}
	edits := make([]Edit, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, envelope.Validation("edit %d must be an object, got %T", i+1, item)
		}
		e := Edit{
			Type:       str(m, "type"),
			Search:     str(m, "search"),
			Replace:    str(m, "replace"),
			Occurrence: num(m, "occurrence"),
			Line:       num(m, "line"),
			StartLine:  num(m, "start_line"),
			EndLine:    num(m, "end_line"),
			Content:    str(m, "content"),
		}
		if e.Type == "" {
			return nil, envelope.Validation("edit %d is missing the type field", i+1)
		}
		edits = append(edits, e)
	}
	return edits, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// ApplyEdits runs the transforms in order over the content.
func ApplyEdits(content string, edits []Edit) (string, error) {
	var err error
	for i, e := range edits {
		content, err = applyEdit(content, e)
		if err != nil {
			if classified := envelope.Classify(err); classified.Kind == envelope.KindValidation {
				classified.WithField("edit_index", i+1)
			}
			return "", err
		}
	}
	return content, nil
}

func applyEdit(content string, e Edit) (string, error) {
	switch e.Type {
	case editSearchReplace:
		return searchReplace(content, e)
	case editRegexReplace:
		return regexReplace(content, e)
	case editInsertAfter, editInsertBefore:
		return insertAt(content, e)
	case editDeleteLines:
		return spliceLines(content, e.StartLine, e.EndLine, nil)
	case editReplaceLines:
		return spliceLines(content, e.StartLine, e.EndLine, &e.Content)
	}
	return "", envelope.Validation("unknown edit type %q", e.Type).
		WithHint("valid types: %s", strings.Join([]string{
			editSearchReplace, editRegexReplace, editInsertAfter,
			editInsertBefore, editDeleteLines, editReplaceLines,
		}, ", "))
}

// searchReplace replaces all matches when occurrence is 0, else only the Nth
// (1-based) match.
func searchReplace(content string, e Edit) (string, error) {
	if e.Search == "" {
		return "", envelope.Validation("search_replace requires a non-empty search string")
	}
	if e.Occurrence < 0 {
		return "", envelope.Validation("occurrence must not be negative, got %d", e.Occurrence)
	}
	if e.Occurrence == 0 {
		return strings.ReplaceAll(content, e.Search, e.Replace), nil
	}

	idx, seen := 0, 0
	for {
		next := strings.Index(content[idx:], e.Search)
		if next < 0 {
			break
		}
		seen++
		pos := idx + next
		if seen == e.Occurrence {
			return content[:pos] + e.Replace + content[pos+len(e.Search):], nil
		}
		idx = pos + len(e.Search)
	}
	return "", envelope.Validation("search string occurs %d times, occurrence %d does not exist", seen, e.Occurrence).
		WithField("occurrences", seen)
}

func regexReplace(content string, e Edit) (string, error) {
	if e.Search == "" {
		return "", envelope.Validation("regex_replace requires a non-empty search pattern")
	}
	re, err := regexp.Compile(e.Search)
	if err != nil {
		return "", envelope.Validation("invalid regex pattern %q: %v", e.Search, err)
	}
	if !re.MatchString(content) {
		return "", envelope.Validation("regex pattern %q matches nothing", e.Search)
	}
	return re.ReplaceAllString(content, e.Replace), nil
}

func insertAt(content string, e Edit) (string, error) {
	lines, trailingNL := splitKeepNL(content)
	if e.Line < 1 || e.Line > len(lines) {
		return "", envelope.Validation("line %d is out of range, file has %d lines", e.Line, len(lines)).
			WithField("line", e.Line).
			WithField("total_lines", len(lines))
	}
	inserted := strings.Split(e.Content, "\n")
	at := e.Line // insert_after
	if e.Type == editInsertBefore {
		at = e.Line - 1
	}
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:at]...)
	out = append(out, inserted...)
	out = append(out, lines[at:]...)
	return joinNL(out, trailingNL), nil
}

// spliceLines deletes the inclusive range, substituting replacement when it
// is non-nil. Bounds must satisfy 1 <= start <= end <= total.
func spliceLines(content string, start, end int, replacement *string) (string, error) {
	lines, trailingNL := splitKeepNL(content)
	if start < 1 || end < start || end > len(lines) {
		return "", envelope.Validation("line range %d..%d is invalid, file has %d lines", start, end, len(lines)).
			WithField("start_line", start).
			WithField("end_line", end).
			WithField("total_lines", len(lines))
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start-1]...)
	if replacement != nil {
		out = append(out, strings.Split(*replacement, "\n")...)
	}
	out = append(out, lines[end:]...)
	return joinNL(out, trailingNL), nil
}

// splitKeepNL splits into lines, remembering whether the content ended with a
// newline so edits never add or drop the trailing terminator.
func splitKeepNL(content string) ([]string, bool) {
	trailing := strings.HasSuffix(content, "\n")
	if trailing {
		content = strings.TrimSuffix(content, "\n")
	}
	return strings.Split(content, "\n"), trailing
}

func joinNL(lines []string, trailing bool) string {
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}
