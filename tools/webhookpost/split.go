package webhookpost

import (
	"strings"
)

// Discord embed limits.
const (
	maxEmbedDescription = 4096
	maxEmbedsPerMessage = 10
)

// splitDescription breaks body text into chunks that each fit one embed
// description. Preference order: paragraph boundary, line boundary, word
// boundary, raw character. Fenced code blocks are kept intact; a fence larger
// than the limit is re-fenced across chunks rather than broken mid-line.
func splitDescription(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, seg := range segmentsKeepingFences(text) {
		pieces := []string{seg}
		if len(seg) > limit {
			pieces = breakSegment(seg, limit)
		}
		for _, piece := range pieces {
			sep := 0
			if current.Len() > 0 {
				sep = 2 // joining "\n\n"
			}
			if current.Len()+sep+len(piece) > limit {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(piece)
		}
	}
	flush()
	return chunks
}

// segmentsKeepingFences splits on blank lines while treating a fenced code
// block as one atomic segment.
func segmentsKeepingFences(text string) []string {
	var segments []string
	var current []string
	inFence := false

	flush := func() {
		if len(current) > 0 {
			segments = append(segments, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		fence := strings.HasPrefix(strings.TrimSpace(line), "```")
		switch {
		case fence && !inFence:
			flush()
			inFence = true
			current = append(current, line)
		case fence && inFence:
			current = append(current, line)
			inFence = false
			flush()
		case !inFence && strings.TrimSpace(line) == "":
			flush()
		default:
			current = append(current, line)
		}
	}
	flush()
	return segments
}

// breakSegment splits an oversize segment: fenced blocks by re-fencing their
// lines, plain text by line, then word, then character.
func breakSegment(seg string, limit int) []string {
	if strings.HasPrefix(strings.TrimSpace(seg), "```") {
		return refenceBlock(seg, limit)
	}

	var pieces []string
	var current strings.Builder
	for _, line := range strings.Split(seg, "\n") {
		parts := []string{line}
		if len(line) > limit {
			parts = breakLine(line, limit)
		}
		for _, part := range parts {
			sep := 0
			if current.Len() > 0 {
				sep = 1
			}
			if current.Len()+sep+len(part) > limit {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(part)
		}
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// breakLine splits on words, falling back to raw characters for words longer
// than the limit.
func breakLine(line string, limit int) []string {
	var pieces []string
	var current strings.Builder
	for _, word := range strings.Split(line, " ") {
		for len(word) > limit {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			pieces = append(pieces, word[:limit])
			word = word[limit:]
		}
		sep := 0
		if current.Len() > 0 {
			sep = 1
		}
		if current.Len()+sep+len(word) > limit {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// refenceBlock splits an oversize fenced block into several smaller blocks,
// each re-wrapped with the original fence so no chunk contains a dangling
// fence.
func refenceBlock(seg string, limit int) []string {
	lines := strings.Split(seg, "\n")
	opening := lines[0]
	closing := "```"
	inner := lines[1:]
	if len(inner) > 0 && strings.TrimSpace(inner[len(inner)-1]) == "```" {
		inner = inner[:len(inner)-1]
	}

	budget := limit - len(opening) - len(closing) - 2
	var blocks []string
	var current []string
	size := 0
	for _, line := range inner {
		if size+len(line)+1 > budget && len(current) > 0 {
			blocks = append(blocks, opening+"\n"+strings.Join(current, "\n")+"\n"+closing)
			current, size = nil, 0
		}
		current = append(current, line)
		size += len(line) + 1
	}
	if len(current) > 0 {
		blocks = append(blocks, opening+"\n"+strings.Join(current, "\n")+"\n"+closing)
	}
	return blocks
}
