package localmodel

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultEndpoint is the local Ollama daemon.
const DefaultEndpoint = "http://localhost:11434"

// ollamaClient talks to an Ollama daemon, local or hosted. The hosted
// variant authenticates with a bearer token.
type ollamaClient struct {
	http     *httpx.Client
	pullHTTP *httpx.Client
	endpoint string
	token    string
}

func (c *ollamaClient) header() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

func (c *ollamaClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    c.endpoint + path,
		Header: c.header(),
		Body:   body,
	})
	if err != nil {
		return nil, classifyOllama(err)
	}
	if msg := gjson.GetBytes(resp.Body, "error"); msg.Exists() {
		return nil, envelope.New(envelope.KindRemote, "ollama: %s", msg.String())
	}
	return resp.Body, nil
}

func (c *ollamaClient) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.endpoint + path,
		Header: c.header(),
	})
	if err != nil {
		return nil, classifyOllama(err)
	}
	return resp.Body, nil
}

// pull streams the NDJSON progress feed to completion and returns a
// summary. The raw progress lines never leave this function; forwarding
// them would flood the caller with thousands of byte counters.
func (c *ollamaClient) pull(ctx context.Context, model string) (map[string]any, error) {
	body, err := sjson.SetBytes([]byte(`{"stream":true}`), "model", model)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := c.pullHTTP.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    c.endpoint + "/api/pull",
		Header: c.header(),
		Body:   body,
	})
	if err != nil {
		return nil, classifyOllama(err)
	}
	return summarizePull(model, resp.Body)
}

// summarizePull reduces the progress lines to layer counts and totals.
func summarizePull(model string, stream []byte) (map[string]any, error) {
	var (
		status     string
		totalBytes int64
		layers     = map[string]bool{}
	)
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entry := gjson.ParseBytes(line)
		if msg := entry.Get("error"); msg.Exists() {
			return nil, envelope.New(envelope.KindRemote, "model pull failed: %s", msg.String())
		}
		status = entry.Get("status").String()
		if digest := entry.Get("digest").String(); digest != "" && !layers[digest] {
			layers[digest] = true
			totalBytes += entry.Get("total").Int()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read pull progress")
	}
	if status != "success" {
		return nil, envelope.New(envelope.KindRemote, "model pull ended with status %q", status)
	}
	return map[string]any{
		"model":       model,
		"status":      status,
		"layers":      len(layers),
		"total_bytes": totalBytes,
		"pulled":      true,
	}, nil
}

// classifyOllama gives connection refusals a setup hint; everything else
// keeps its httpx classification.
func classifyOllama(err error) error {
	if strings.Contains(err.Error(), "connection refused") {
		return envelope.New(envelope.KindRemote, "cannot reach the ollama daemon").
			WithHint("start ollama locally or set LLM_ENDPOINT to a reachable host").
			WithCause(err)
	}
	return err
}
