package gitrepo

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultAPIBase is the GitHub REST v3 endpoint.
const DefaultAPIBase = "https://api.github.com"

// githubClient issues authenticated REST calls.
type githubClient struct {
	http *httpx.Client
	base string
}

func (c *githubClient) get(ctx context.Context, token, path string) ([]byte, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.base + path,
		Header: githubHeader(token),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *githubClient) post(ctx context.Context, token, path string, body []byte) ([]byte, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    c.base + path,
		Header: githubHeader(token),
		Body:   body,
		// issue creation is not idempotent; the client must not retry it
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func githubHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")
	return header
}

// issueBody builds the create-issue request document.
func issueBody(title, body string, labels []string) ([]byte, error) {
	doc := []byte(`{}`)
	doc, err := sjson.SetBytes(doc, "title", title)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if body != "" {
		if doc, err = sjson.SetBytes(doc, "body", body); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if len(labels) > 0 {
		if doc, err = sjson.SetBytes(doc, "labels", labels); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return doc, nil
}

// splitRepo validates the canonical owner/name form.
func splitRepo(full string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(full), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", envelope.Validation("repo must be in owner/name form, got %q", full)
	}
	return parts[0], parts[1], nil
}

func issuePayload(item gjson.Result) map[string]any {
	out := map[string]any{
		"number": item.Get("number").Int(),
		"title":  item.Get("title").String(),
		"state":  item.Get("state").String(),
		"url":    item.Get("html_url").String(),
		"author": item.Get("user.login").String(),
	}
	if labels := item.Get("labels.#.name").Array(); len(labels) > 0 {
		names := make([]any, 0, len(labels))
		for _, l := range labels {
			names = append(names, l.String())
		}
		out["labels"] = names
	}
	if created := item.Get("created_at").String(); created != "" {
		out["created_at"] = created
	}
	return out
}

// decodeContent unwraps the contents API payload, which base64-encodes file
// bodies with embedded newlines.
func decodeContent(body gjson.Result) ([]byte, error) {
	if body.Get("encoding").String() != "base64" {
		return nil, envelope.New(envelope.KindRemote, "unexpected content encoding %q", body.Get("encoding").String())
	}
	raw := strings.ReplaceAll(body.Get("content").String(), "\n", "")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "github returned malformed base64 content")
	}
	return data, nil
}

func searchQuery(query, repo string) string {
	q := query
	if repo != "" {
		q = fmt.Sprintf("%s repo:%s", query, repo)
	}
	return url.QueryEscape(q)
}
