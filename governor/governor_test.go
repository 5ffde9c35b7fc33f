package governor_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/effective-security/toolbelt/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(n int, body string) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = map[string]any{
			"title": "item",
			"body":  body,
		}
	}
	return out
}

func Test_Apply_NoItemsField(t *testing.T) {
	caps := governor.DefaultCaps("")
	in := map[string]any{"value": strings.Repeat("x", 500_000)}
	out := caps.Apply(in)
	assert.Equal(t, in, out)
}

func Test_Apply_WithinCaps(t *testing.T) {
	caps := governor.DefaultCaps("articles")
	in := map[string]any{"articles": items(3, "short")}

	out := caps.Apply(in)
	assert.Equal(t, 3, out["returned_count"])
	assert.Equal(t, 3, out["total_count"])
	_, truncated := out["truncated"]
	assert.False(t, truncated)
	_, warning := out["warning"]
	assert.False(t, warning)
	// input untouched
	assert.NotContains(t, in, "returned_count")
}

func Test_Apply_ListCap(t *testing.T) {
	caps := governor.DefaultCaps("messages")
	caps.MaxTotalItems = 5

	out := caps.Apply(map[string]any{"messages": items(12, "short")})
	assert.Len(t, out["messages"], 5)
	assert.Equal(t, 5, out["returned_count"])
	assert.Equal(t, 12, out["total_count"])
	assert.Equal(t, true, out["truncated"])
	assert.Contains(t, out["warning"], "5 of 12")
}

func Test_Apply_ZeroItems(t *testing.T) {
	caps := governor.DefaultCaps("rows")
	caps.MaxTotalItems = 0

	out := caps.Apply(map[string]any{"rows": items(4, "short")})
	assert.Empty(t, out["rows"])
	assert.Equal(t, 0, out["returned_count"])
	assert.Equal(t, 4, out["total_count"])
	assert.Equal(t, true, out["truncated"])
	assert.NotEmpty(t, out["warning"])
}

func Test_Apply_FieldTruncation(t *testing.T) {
	caps := governor.DefaultCaps("articles")
	caps.MaxItemFieldChars = 100

	long := strings.Repeat("a", 300)
	out := caps.Apply(map[string]any{"articles": items(2, long)})

	list := out["articles"].([]any)
	body := list[0].(map[string]any)["body"].(string)
	assert.Len(t, []rune(body), 100)
	assert.True(t, strings.HasSuffix(body, "…"))
	assert.Equal(t, true, out["truncated"])
}

func Test_Apply_SubListCap(t *testing.T) {
	caps := governor.DefaultCaps("papers")

	authors := make([]any, 45)
	for i := range authors {
		authors[i] = "author"
	}
	out := caps.Apply(map[string]any{
		"papers": []any{map[string]any{"title": "t", "authors": authors}},
	})
	list := out["papers"].([]any)
	assert.Len(t, list[0].(map[string]any)["authors"], governor.DefaultMaxSubListItems)
	assert.Equal(t, true, out["truncated"])
}

func Test_Apply_BytePass(t *testing.T) {
	caps := governor.DefaultCaps("rows")
	caps.MaxTotalItems = 1000
	caps.MaxItemFieldChars = 1000
	caps.MaxBytes = 200_000

	// 1000 items at ~2KiB each
	out := caps.Apply(map[string]any{"rows": items(1000, strings.Repeat("z", 2000))})

	bs, err := json.Marshal(out)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(bs), 200_000)
	assert.LessOrEqual(t, out["returned_count"].(int), 1000)
	assert.Equal(t, true, out["truncated"])
	assert.NotEmpty(t, out["warning"])
	assert.Equal(t, 1000, out["total_count"])
}

func Test_Apply_BytePass_SingleHugeItem(t *testing.T) {
	caps := governor.DefaultCaps("rows")
	caps.MaxItemFieldChars = 100_000
	caps.MaxBytes = 10_000

	out := caps.Apply(map[string]any{"rows": items(1, strings.Repeat("z", 90_000))})

	bs, err := json.Marshal(out)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(bs), 10_000)
	assert.Equal(t, 1, out["returned_count"])
	assert.Equal(t, true, out["truncated"])
}

func Test_Apply_Idempotent(t *testing.T) {
	tcases := []struct {
		name string
		caps governor.Caps
		in   map[string]any
	}{
		{
			"list cap",
			governor.Caps{ItemsField: "rows", MaxTotalItems: 5, MaxItemFieldChars: 50, MaxBytes: 100_000, MaxSubListItems: 20},
			map[string]any{"rows": items(20, strings.Repeat("b", 200))},
		},
		{
			"byte cap",
			governor.Caps{ItemsField: "rows", MaxTotalItems: 500, MaxItemFieldChars: 1000, MaxBytes: 20_000, MaxSubListItems: 20},
			map[string]any{"rows": items(100, strings.Repeat("b", 900))},
		},
		{
			"no trimming",
			governor.DefaultCaps("rows"),
			map[string]any{"rows": items(2, "tiny")},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			once := tc.caps.Apply(tc.in)
			twice := tc.caps.Apply(once)

			bs1, err := json.Marshal(once)
			require.NoError(t, err)
			bs2, err := json.Marshal(twice)
			require.NoError(t, err)
			assert.Equal(t, string(bs1), string(bs2))
		})
	}
}

func Test_CapsFromEnv(t *testing.T) {
	t.Setenv("ACADEMIC_RS_MAX_ITEMS", "7")
	t.Setenv("ACADEMIC_RS_MAX_ABSTRACT_CHARS", "123")
	t.Setenv("ACADEMIC_RS_MAX_BYTES", "45678")
	t.Setenv("ACADEMIC_RS_BOGUS", "1")

	caps := governor.DefaultCaps("papers").FromEnv("ACADEMIC_RS")
	assert.Equal(t, 7, caps.MaxTotalItems)
	assert.Equal(t, 123, caps.MaxItemFieldChars)
	assert.Equal(t, 45678, caps.MaxBytes)

	t.Setenv("ACADEMIC_RS_MAX_ITEMS", "not-a-number")
	caps = governor.DefaultCaps("papers").FromEnv("ACADEMIC_RS")
	assert.Equal(t, governor.DefaultMaxTotalItems, caps.MaxTotalItems)
}
