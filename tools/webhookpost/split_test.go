package webhookpost

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SplitDescription_Short(t *testing.T) {
	chunks := splitDescription("hello world", 100)
	assert.Equal(t, []string{"hello world"}, chunks)

	assert.Nil(t, splitDescription("", 100))
	assert.Nil(t, splitDescription("   \n  ", 100))
}

func Test_SplitDescription_ParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60) + "\n\n" + strings.Repeat("c", 60)
	chunks := splitDescription(text, 130)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "aaa")
	assert.Contains(t, chunks[0], "bbb")
	assert.Contains(t, chunks[1], "ccc")
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 130)
	}
}

func Test_SplitDescription_LineAndWord(t *testing.T) {
	// one paragraph whose lines exceed the limit force word-level breaks
	text := strings.Repeat("word ", 100)
	chunks := splitDescription(text, 64)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 64)
		assert.False(t, strings.HasPrefix(c, " "))
	}
}

func Test_SplitDescription_CharFallback(t *testing.T) {
	text := strings.Repeat("x", 300)
	chunks := splitDescription(text, 100)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func Test_SplitDescription_KeepsFences(t *testing.T) {
	code := "```go\nfunc main() {}\n```"
	text := strings.Repeat("a", 90) + "\n\n" + code + "\n\n" + strings.Repeat("b", 90)
	chunks := splitDescription(text, 120)
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		// fences always balanced within a chunk
		assert.Equal(t, 0, strings.Count(c, "```")%2, "unbalanced fence in %q", c)
	}
}

func Test_SplitDescription_OversizeFenceRefenced(t *testing.T) {
	var lines []string
	for range 40 {
		lines = append(lines, strings.Repeat("x", 20))
	}
	code := "```go\n" + strings.Join(lines, "\n") + "\n```"
	chunks := splitDescription(code, 200)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
		assert.True(t, strings.HasPrefix(c, "```go\n"), "chunk %q", c)
		assert.True(t, strings.HasSuffix(c, "```"), "chunk %q", c)
	}
}

func Test_SplitDescription_SixThousandCharBody(t *testing.T) {
	chunks := splitDescription(strings.Repeat("lorem ipsum ", 500), maxEmbedDescription)
	assert.GreaterOrEqual(t, len(chunks), 2)
}
