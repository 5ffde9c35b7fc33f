package localmodel_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/tools/localmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fixture struct {
	tool   *localmodel.Tool
	bodies [][]byte
	paths  []string
	auth   []string
}

func newFixture(t *testing.T, handler func(path string, w http.ResponseWriter)) *fixture {
	t.Helper()
	f := &fixture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.bodies = append(f.bodies, body)
		f.paths = append(f.paths, r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		handler(r.URL.Path, w)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("LLM_ENDPOINT", srv.URL)
	f.tool = localmodel.New(creds.NewResolver())
	return f
}

func Test_Generate(t *testing.T) {
	f := newFixture(t, func(path string, w http.ResponseWriter) {
		require.Equal(t, "/api/generate", path)
		_, _ = w.Write([]byte(`{
			"model": "llama3.2",
			"response": "The capital of France is Paris.",
			"done": true,
			"prompt_eval_count": 12,
			"eval_count": 9,
			"total_duration": 1500000000
		}`))
	})

	out, err := f.tool.Run(context.Background(), "generate", dispatch.Params{
		"model":       "llama3.2",
		"prompt":      "What is the capital of France?",
		"temperature": 0.2,
		"max_tokens":  float64(64),
	})
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", out["response"])
	assert.Equal(t, int64(9), out["output_tokens"])
	assert.Equal(t, int64(1500), out["duration_ms"])

	sent := gjson.ParseBytes(f.bodies[0])
	assert.Equal(t, false, sent.Get("stream").Bool(), "single-shot calls disable streaming")
	assert.Equal(t, 0.2, sent.Get("options.temperature").Float())
	assert.Equal(t, int64(64), sent.Get("options.num_predict").Int())
}

func Test_Generate_Validation(t *testing.T) {
	f := newFixture(t, func(string, http.ResponseWriter) {})

	cases := []dispatch.Params{
		{"prompt": "hi"},
		{"model": "llama3.2"},
		{"model": "llama3.2", "prompt": "hi", "temperature": 3.0},
		{"model": "llama3.2", "prompt": "hi", "max_tokens": float64(0)},
		{"model": "llama3.2", "prompt": strings.Repeat("x", 32_001)},
	}
	for i, params := range cases {
		_, err := f.tool.Run(context.Background(), "generate", params)
		require.Error(t, err, "case %d", i)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
	assert.Empty(t, f.paths, "validation failures must not reach the daemon")
}

func Test_Chat(t *testing.T) {
	f := newFixture(t, func(path string, w http.ResponseWriter) {
		require.Equal(t, "/api/chat", path)
		_, _ = w.Write([]byte(`{
			"message": {"role": "assistant", "content": "Hello!"},
			"prompt_eval_count": 20,
			"eval_count": 3
		}`))
	})

	out, err := f.tool.Run(context.Background(), "chat", dispatch.Params{
		"model": "llama3.2",
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "user", "content": "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out["response"])
	assert.Equal(t, "assistant", out["role"])

	sent := gjson.ParseBytes(f.bodies[0])
	assert.Equal(t, "system", sent.Get("messages.0.role").String())
	assert.Equal(t, "hi", sent.Get("messages.1.content").String())
}

func Test_Chat_BadMessages(t *testing.T) {
	f := newFixture(t, func(string, http.ResponseWriter) {})

	cases := []any{
		[]any{},
		[]any{"not an object"},
		[]any{map[string]any{"role": "robot", "content": "x"}},
		[]any{map[string]any{"role": "user"}},
	}
	for i, messages := range cases {
		_, err := f.tool.Run(context.Background(), "chat", dispatch.Params{
			"model": "m", "messages": messages,
		})
		require.Error(t, err, "case %d", i)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_Models(t *testing.T) {
	f := newFixture(t, func(path string, w http.ResponseWriter) {
		require.Equal(t, "/api/tags", path)
		_, _ = w.Write([]byte(`{
			"models": [{
				"name": "llama3.2:3b",
				"size": 2019393189,
				"modified_at": "2025-06-01T12:00:00Z",
				"details": {"family": "llama", "parameter_size": "3.2B", "quantization_level": "Q4_K_M"}
			}]
		}`))
	})

	out, err := f.tool.Run(context.Background(), "models", dispatch.Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	model := out["models"].([]any)[0].(map[string]any)
	assert.Equal(t, "llama3.2:3b", model["name"])
	assert.Equal(t, "3.2B", model["parameters"])
}

func Test_Pull_SummarizesProgressStream(t *testing.T) {
	f := newFixture(t, func(path string, w http.ResponseWriter) {
		require.Equal(t, "/api/pull", path)
		// layer digests repeat across progress ticks; each counts once
		_, _ = w.Write([]byte(strings.Join([]string{
			`{"status": "pulling manifest"}`,
			`{"status": "pulling sha256:aa", "digest": "sha256:aa", "total": 1000, "completed": 100}`,
			`{"status": "pulling sha256:aa", "digest": "sha256:aa", "total": 1000, "completed": 1000}`,
			`{"status": "pulling sha256:bb", "digest": "sha256:bb", "total": 500, "completed": 500}`,
			`{"status": "verifying sha256 digest"}`,
			`{"status": "success"}`,
		}, "\n")))
	})

	out, err := f.tool.Run(context.Background(), "pull", dispatch.Params{"model": "llama3.2"})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, 2, out["layers"])
	assert.Equal(t, int64(1500), out["total_bytes"])
	assert.Equal(t, true, out["pulled"])
	assert.NotContains(t, out, "progress", "raw progress lines are never forwarded")
}

func Test_Pull_ErrorLine(t *testing.T) {
	f := newFixture(t, func(_ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"error": "pull model manifest: file does not exist"}`))
	})

	_, err := f.tool.Run(context.Background(), "pull", dispatch.Params{"model": "nope"})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindRemote, e.Kind)
	assert.Contains(t, e.Error(), "manifest")
}

func Test_Pull_IncompleteStream(t *testing.T) {
	f := newFixture(t, func(_ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"status": "pulling manifest"}`))
	})

	_, err := f.tool.Run(context.Background(), "pull", dispatch.Params{"model": "llama3.2"})
	require.Error(t, err)
	assert.Equal(t, envelope.KindRemote, envelope.Classify(err).Kind)
}

func Test_HostedEndpointSendsBearer(t *testing.T) {
	f := newFixture(t, func(_ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"models": []}`))
	})
	t.Setenv("AI_PORTAL_TOKEN", "portal-secret")

	_, err := f.tool.Run(context.Background(), "models", dispatch.Params{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer portal-secret", f.auth[0])
}

func Test_RemoteErrorField(t *testing.T) {
	f := newFixture(t, func(_ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"error": "model 'ghost' not found"}`))
	})

	_, err := f.tool.Run(context.Background(), "generate", dispatch.Params{
		"model": "ghost", "prompt": "hi",
	})
	require.Error(t, err)
	assert.Contains(t, envelope.Classify(err).Error(), "ghost")
}
