// Package localmodel runs text generation against an Ollama daemon, local
// or hosted. Model pulls can take minutes and report progress as an NDJSON
// stream; the stream is consumed here and only a summary is returned.
package localmodel

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolName is the registry name.
const ToolName = "local_model"

const (
	pullDeadline     = 5 * time.Minute
	generateDeadline = 2 * time.Minute
	maxPromptChars   = 32_000
)

// Tool is the Ollama handler.
type Tool struct {
	resolver *creds.Resolver
	client   *ollamaClient
	specDir  string
}

// New builds the handler. The endpoint and optional bearer token come from
// LLM_ENDPOINT and AI_PORTAL_TOKEN at call time.
func New(resolver *creds.Resolver) *Tool {
	return &Tool{
		resolver: resolver,
		client: &ollamaClient{
			http:     httpx.New().WithDeadline(generateDeadline).WithRedactor(resolver.Redactor()),
			pullHTTP: httpx.New().WithDeadline(pullDeadline).WithRedactor(resolver.Redactor()),
			endpoint: DefaultEndpoint,
		},
		specDir: "tool_specs",
	}
}

// WithEndpoint overrides the daemon address, for tests.
func (t *Tool) WithEndpoint(endpoint string) *Tool {
	t.client.endpoint = endpoint
	return t
}

// WithSpecDir overrides the manifest directory.
func (t *Tool) WithSpecDir(dir string) *Tool {
	t.specDir = dir
	return t
}

func (t *Tool) Spec() *manifest.ToolSpec {
	return manifest.LoadOrFallback(t.specDir, ToolName, fallbackSpec())
}

func (t *Tool) Operations() []string {
	return []string{"generate", "chat", "models", "pull"}
}

func (t *Tool) DefaultOperation() string { return "generate" }

func (t *Tool) OutputCaps(op string) governor.Caps {
	if op == "models" {
		return governor.DefaultCaps("models")
	}
	return governor.DefaultCaps("")
}

// Deadline covers the slowest path per operation; pulls download gigabytes.
func (t *Tool) Deadline(op string) time.Duration {
	if op == "pull" {
		return pullDeadline + 30*time.Second
	}
	return generateDeadline + 30*time.Second
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	if err := t.configure(); err != nil {
		return nil, err
	}

	switch op {
	case "generate":
		return t.generate(ctx, params)
	case "chat":
		return t.chat(ctx, params)
	case "models":
		return t.models(ctx)
	case "pull":
		return t.pullModel(ctx, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

// configure reads the optional endpoint and token settings. Both have
// defaults, so resolution cannot fail on a bare environment.
func (t *Tool) configure() error {
	res, err := t.resolver.Resolve(creds.Profile{
		Tool: "LLM",
		Fields: []creds.Field{
			{Name: "endpoint", Env: "LLM_ENDPOINT", Optional: true},
			{Name: "token", Env: "AI_PORTAL_TOKEN", Optional: true, Secret: true},
		},
	})
	if err != nil {
		return err
	}
	if endpoint := strings.TrimRight(res["endpoint"], "/"); endpoint != "" {
		t.client.endpoint = endpoint
	}
	t.client.token = res["token"]
	return nil
}

func (t *Tool) generate(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	model, err := requiredModel(params)
	if err != nil {
		return nil, err
	}
	prompt := params.String("prompt")
	if strings.TrimSpace(prompt) == "" {
		return nil, envelope.Validation("prompt is required")
	}
	if len(prompt) > maxPromptChars {
		return nil, envelope.Validation("prompt is %d chars, above the %d char ceiling", len(prompt), maxPromptChars)
	}

	body := []byte(`{"stream":false}`)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "prompt", prompt)
	if system := params.String("system"); system != "" {
		body, _ = sjson.SetBytes(body, "system", system)
	}
	body, err = applyOptions(body, params)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.post(ctx, "/api/generate", body)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(resp)
	return map[string]any{
		"model":         model,
		"response":      res.Get("response").String(),
		"input_tokens":  res.Get("prompt_eval_count").Int(),
		"output_tokens": res.Get("eval_count").Int(),
		"duration_ms":   res.Get("total_duration").Int() / 1_000_000,
	}, nil
}

func (t *Tool) chat(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	model, err := requiredModel(params)
	if err != nil {
		return nil, err
	}
	messages, err := chatMessages(params)
	if err != nil {
		return nil, err
	}

	body := []byte(`{"stream":false}`)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "messages", messages)
	body, err = applyOptions(body, params)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(resp)
	return map[string]any{
		"model":         model,
		"role":          res.Get("message.role").String(),
		"response":      res.Get("message.content").String(),
		"input_tokens":  res.Get("prompt_eval_count").Int(),
		"output_tokens": res.Get("eval_count").Int(),
	}, nil
}

func (t *Tool) models(ctx context.Context) (map[string]any, error) {
	resp, err := t.client.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}

	items := make([]any, 0)
	for _, m := range gjson.GetBytes(resp, "models").Array() {
		items = append(items, map[string]any{
			"name":         m.Get("name").String(),
			"size_bytes":   m.Get("size").Int(),
			"family":       m.Get("details.family").String(),
			"parameters":   m.Get("details.parameter_size").String(),
			"quantization": m.Get("details.quantization_level").String(),
			"modified_at":  m.Get("modified_at").String(),
		})
	}
	return map[string]any{
		"models": items,
		"count":  len(items),
	}, nil
}

func (t *Tool) pullModel(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	model, err := requiredModel(params)
	if err != nil {
		return nil, err
	}
	return t.client.pull(ctx, model)
}

// chatMessages validates the conversation shape before serialization.
func chatMessages(params dispatch.Params) ([]map[string]any, error) {
	raw := params.List("messages")
	if len(raw) == 0 {
		return nil, envelope.Validation("messages is required and must be a non-empty list")
	}
	messages := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, envelope.Validation("messages[%d] must be an object with role and content", i)
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		switch role {
		case "system", "user", "assistant":
		default:
			return nil, envelope.Validation("messages[%d].role must be system, user or assistant, got %q", i, role)
		}
		if content == "" {
			return nil, envelope.Validation("messages[%d].content is required", i)
		}
		messages = append(messages, map[string]any{"role": role, "content": content})
	}
	return messages, nil
}

func applyOptions(body []byte, params dispatch.Params) ([]byte, error) {
	var err error
	if params.Has("temperature") {
		temp, ok := params.Float("temperature")
		if !ok || temp < 0 || temp > 2 {
			return nil, envelope.Validation("temperature must be a number between 0 and 2")
		}
		if body, err = sjson.SetBytes(body, "options.temperature", temp); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if params.Has("max_tokens") {
		n, ok := params.Int("max_tokens")
		if !ok || n < 1 {
			return nil, envelope.Validation("max_tokens must be a positive integer")
		}
		if body, err = sjson.SetBytes(body, "options.num_predict", n); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return body, nil
}

func requiredModel(params dispatch.Params) (string, error) {
	model := strings.TrimSpace(params.String("model"))
	if model == "" {
		return "", envelope.Validation("model is required").
			WithHint("list installed models with the models operation")
	}
	return model, nil
}

type chatMessage struct {
	Role    string `json:"role" jsonschema:"enum=system,enum=user,enum=assistant"`
	Content string `json:"content"`
}

type modelParams struct {
	Operation   string        `json:"operation" jsonschema:"required,enum=generate,enum=chat,enum=models,enum=pull"`
	Model       string        `json:"model,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages,omitempty"`
	Temperature float64       `json:"temperature,omitempty" jsonschema:"minimum=0,maximum=2"`
	MaxTokens   int           `json:"max_tokens,omitempty" jsonschema:"minimum=1"`
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "Local Model",
		Description: "Generate text with models served by a local or hosted Ollama daemon.",
		Parameters:  manifest.FromType(reflect.TypeOf(modelParams{})),
	}
}
