// Package gitrepo reads and writes GitHub repositories over the REST API:
// repository metadata, issues, code search and file content. The token never
// reaches an envelope or log line.
package gitrepo

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/tidwall/gjson"
)

// ToolName is the registry name.
const ToolName = "github_repo"

const (
	defaultIssueLimit  = 20
	defaultSearchLimit = 10
	maxFileBytes       = 1 << 20
)

// Tool is the GitHub handler.
type Tool struct {
	client  *githubClient
	specDir string
}

// New builds the handler; outgoing errors pass through the resolver's
// redactor so the token can never leak via upstream error text.
func New(resolver *creds.Resolver) *Tool {
	return &Tool{
		client: &githubClient{
			http: httpx.New().WithRedactor(resolver.Redactor()),
			base: DefaultAPIBase,
		},
		specDir: "tool_specs",
	}
}

// WithAPIBase overrides the REST endpoint, for tests and GitHub Enterprise.
func (t *Tool) WithAPIBase(base string) *Tool {
	t.client.base = base
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
	return []string{"repo", "list_issues", "create_issue", "search_code", "get_file"}
}

func (t *Tool) DefaultOperation() string { return "repo" }

func (t *Tool) Credentials(string) []creds.Profile {
	return []creds.Profile{{
		Tool:   "GITHUB",
		Fields: []creds.Field{{Name: "token", Env: "GITHUB_TOKEN", Secret: true}},
	}}
}

func (t *Tool) OutputCaps(op string) governor.Caps {
	switch op {
	case "list_issues":
		return governor.DefaultCaps("issues")
	case "search_code":
		return governor.DefaultCaps("matches")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	token := creds.FromContext(ctx)["token"]

	switch op {
	case "repo":
		return t.repo(ctx, token, params)
	case "list_issues":
		return t.listIssues(ctx, token, params)
	case "create_issue":
		return t.createIssue(ctx, token, params)
	case "search_code":
		return t.searchCode(ctx, token, params)
	case "get_file":
		return t.getFile(ctx, token, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func (t *Tool) repo(ctx context.Context, token string, params dispatch.Params) (map[string]any, error) {
	owner, name, err := splitRepo(params.String("repo"))
	if err != nil {
		return nil, err
	}

	body, err := t.client.get(ctx, token, fmt.Sprintf("/repos/%s/%s", owner, name))
	if err != nil {
		return nil, err
	}

	info := gjson.ParseBytes(body)
	return map[string]any{
		"repo":           info.Get("full_name").String(),
		"description":    info.Get("description").String(),
		"url":            info.Get("html_url").String(),
		"default_branch": info.Get("default_branch").String(),
		"language":       info.Get("language").String(),
		"private":        info.Get("private").Bool(),
		"stars":          info.Get("stargazers_count").Int(),
		"forks":          info.Get("forks_count").Int(),
		"open_issues":    info.Get("open_issues_count").Int(),
		"pushed_at":      info.Get("pushed_at").String(),
	}, nil
}

func (t *Tool) listIssues(ctx context.Context, token string, params dispatch.Params) (map[string]any, error) {
	owner, name, err := splitRepo(params.String("repo"))
	if err != nil {
		return nil, err
	}
	state := strings.ToLower(params.StringOr("state", "open"))
	switch state {
	case "open", "closed", "all":
	default:
		return nil, envelope.Validation("state must be open, closed or all, got %q", state)
	}
	limit := params.IntOr("limit", defaultIssueLimit)
	if limit < 1 || limit > 100 {
		return nil, envelope.Validation("limit must be between 1 and 100, got %d", limit)
	}

	path := fmt.Sprintf("/repos/%s/%s/issues?state=%s&per_page=%d", owner, name, state, limit)
	if labels := params.Strings("labels"); len(labels) > 0 {
		path += "&labels=" + strings.Join(labels, ",")
	}
	body, err := t.client.get(ctx, token, path)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0)
	for _, item := range gjson.ParseBytes(body).Array() {
		// the issues endpoint interleaves pull requests
		if item.Get("pull_request").Exists() {
			continue
		}
		items = append(items, issuePayload(item))
	}
	return map[string]any{
		"repo":           owner + "/" + name,
		"state":          state,
		"issues":         items,
		"returned_count": len(items),
	}, nil
}

func (t *Tool) createIssue(ctx context.Context, token string, params dispatch.Params) (map[string]any, error) {
	owner, name, err := splitRepo(params.String("repo"))
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(params.String("title"))
	if title == "" {
		return nil, envelope.Validation("title is required")
	}

	doc, err := issueBody(title, params.String("body"), params.Strings("labels"))
	if err != nil {
		return nil, err
	}
	body, err := t.client.post(ctx, token, fmt.Sprintf("/repos/%s/%s/issues", owner, name), doc)
	if err != nil {
		return nil, err
	}

	created := gjson.ParseBytes(body)
	out := issuePayload(created)
	out["repo"] = owner + "/" + name
	out["created"] = true
	return out, nil
}

func (t *Tool) searchCode(ctx context.Context, token string, params dispatch.Params) (map[string]any, error) {
	query := strings.TrimSpace(params.String("query"))
	if query == "" {
		return nil, envelope.Validation("query is required")
	}
	repo := strings.TrimSpace(params.String("repo"))
	if repo != "" {
		if _, _, err := splitRepo(repo); err != nil {
			return nil, err
		}
	}
	limit := params.IntOr("limit", defaultSearchLimit)
	if limit < 1 || limit > 100 {
		return nil, envelope.Validation("limit must be between 1 and 100, got %d", limit)
	}

	path := fmt.Sprintf("/search/code?q=%s&per_page=%d", searchQuery(query, repo), limit)
	body, err := t.client.get(ctx, token, path)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	items := make([]any, 0)
	for _, item := range res.Get("items").Array() {
		items = append(items, map[string]any{
			"path": item.Get("path").String(),
			"repo": item.Get("repository.full_name").String(),
			"url":  item.Get("html_url").String(),
		})
	}
	return map[string]any{
		"query":          query,
		"matches":        items,
		"returned_count": len(items),
		"total_count":    res.Get("total_count").Int(),
	}, nil
}

func (t *Tool) getFile(ctx context.Context, token string, params dispatch.Params) (map[string]any, error) {
	owner, name, err := splitRepo(params.String("repo"))
	if err != nil {
		return nil, err
	}
	filePath := strings.TrimSpace(params.String("path"))
	if filePath == "" {
		return nil, envelope.Validation("path is required")
	}

	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, name, filePath)
	if ref := params.String("ref"); ref != "" {
		apiPath += "?ref=" + ref
	}
	body, err := t.client.get(ctx, token, apiPath)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	if res.IsArray() {
		return nil, envelope.Validation("%q is a directory, not a file", filePath)
	}
	if size := res.Get("size").Int(); size > maxFileBytes {
		return nil, envelope.New(envelope.KindFile, "%q is %d bytes, above the %d byte ceiling", filePath, size, maxFileBytes)
	}
	data, err := decodeContent(res)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"repo": owner + "/" + name,
		"path": filePath,
		"size": len(data),
		"sha":  res.Get("sha").String(),
		"url":  res.Get("html_url").String(),
	}
	if utf8.Valid(data) {
		out["content"] = string(data)
	} else {
		out["content_base64"] = res.Get("content").String()
		out["binary"] = true
	}
	return out, nil
}

type repoParams struct {
	Operation string   `json:"operation" jsonschema:"required,enum=repo,enum=list_issues,enum=create_issue,enum=search_code,enum=get_file"`
	Repo      string   `json:"repo,omitempty" jsonschema:"description=owner/name repository slug."`
	Query     string   `json:"query,omitempty"`
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	State     string   `json:"state,omitempty" jsonschema:"enum=open,enum=closed,enum=all"`
	Path      string   `json:"path,omitempty"`
	Ref       string   `json:"ref,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "GitHub Repository",
		Description: "Inspect repositories, manage issues and fetch files via the GitHub API.",
		Parameters:  manifest.FromType(reflect.TypeOf(repoParams{})),
	}
}
