package gitrepo_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/tools/gitrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testToken = "ghp_testsecret123"

type fixture struct {
	tool     *gitrepo.Tool
	requests []*http.Request
	bodies   [][]byte
	handler  http.HandlerFunc
	ctxRes   creds.Resolved
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	t.Setenv("GITHUB_TOKEN", testToken)

	f := &fixture{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, body)
		f.handler(w, r)
	}))
	t.Cleanup(srv.Close)

	resolver := creds.NewResolver()
	f.tool = gitrepo.New(resolver).WithAPIBase(srv.URL)

	// mirror the dispatcher: resolve the declared profile, inject into ctx
	res, err := resolver.Resolve(f.tool.Credentials("")[0])
	require.NoError(t, err)
	f.ctxRes = res
	return f
}

func (f *fixture) run(t *testing.T, op string, params dispatch.Params) (map[string]any, error) {
	t.Helper()
	ctx := creds.NewContext(context.Background(), f.ctxRes)
	return f.tool.Run(ctx, op, params)
}

func Test_Repo(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/golang/go", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{
			"full_name": "golang/go",
			"description": "The Go programming language",
			"html_url": "https://github.com/golang/go",
			"default_branch": "master",
			"language": "Go",
			"private": false,
			"stargazers_count": 120000,
			"forks_count": 17000,
			"open_issues_count": 9000,
			"pushed_at": "2025-07-01T10:00:00Z"
		}`))
	})

	out, err := f.run(t, "repo", dispatch.Params{"repo": "golang/go"})
	require.NoError(t, err)
	assert.Equal(t, "golang/go", out["repo"])
	assert.Equal(t, int64(120000), out["stars"])
	assert.Equal(t, "master", out["default_branch"])
}

func Test_Repo_Validation(t *testing.T) {
	f := newFixture(t, func(http.ResponseWriter, *http.Request) {})

	for _, repo := range []string{"", "golang", "a/b/c", "/go"} {
		_, err := f.run(t, "repo", dispatch.Params{"repo": repo})
		require.Error(t, err, "repo %q", repo)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_ListIssues_SkipsPullRequests(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "bug,p1", r.URL.Query().Get("labels"))
		_, _ = w.Write([]byte(`[
			{"number": 7, "title": "crash on start", "state": "open",
			 "html_url": "https://github.com/o/r/issues/7",
			 "user": {"login": "alice"},
			 "labels": [{"name": "bug"}, {"name": "p1"}],
			 "created_at": "2025-06-30T09:00:00Z"},
			{"number": 8, "title": "a pull request", "state": "open",
			 "user": {"login": "bob"},
			 "pull_request": {"url": "https://api.github.com/repos/o/r/pulls/8"}}
		]`))
	})

	out, err := f.run(t, "list_issues", dispatch.Params{
		"repo": "o/r", "labels": []any{"bug", "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out["returned_count"])
	issue := out["issues"].([]any)[0].(map[string]any)
	assert.Equal(t, int64(7), issue["number"])
	assert.Equal(t, "alice", issue["author"])
	assert.Equal(t, []any{"bug", "p1"}, issue["labels"])
}

func Test_CreateIssue(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/o/r/issues", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "title": "new feature", "state": "open",
			"html_url": "https://github.com/o/r/issues/42", "user": {"login": "alice"}}`))
	})

	out, err := f.run(t, "create_issue", dispatch.Params{
		"repo":   "o/r",
		"title":  "new feature",
		"body":   "please add it",
		"labels": []any{"enhancement"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["number"])
	assert.Equal(t, true, out["created"])

	sent := gjson.ParseBytes(f.bodies[0])
	assert.Equal(t, "new feature", sent.Get("title").String())
	assert.Equal(t, "please add it", sent.Get("body").String())
	assert.Equal(t, "enhancement", sent.Get("labels.0").String())

	_, err = f.run(t, "create_issue", dispatch.Params{"repo": "o/r", "title": "  "})
	require.Error(t, err)
	assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
}

func Test_SearchCode(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Handler repo:o/r", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{
			"total_count": 240,
			"items": [{"path": "dispatch/dispatch.go",
			           "repository": {"full_name": "o/r"},
			           "html_url": "https://github.com/o/r/blob/main/dispatch/dispatch.go"}]
		}`))
	})

	out, err := f.run(t, "search_code", dispatch.Params{"query": "Handler", "repo": "o/r"})
	require.NoError(t, err)
	assert.Equal(t, 1, out["returned_count"])
	assert.Equal(t, int64(240), out["total_count"])
	match := out["matches"].([]any)[0].(map[string]any)
	assert.Equal(t, "dispatch/dispatch.go", match["path"])
}

func Test_GetFile_DecodesWrappedBase64(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("package main\n\nfunc main() {}\n"))
	// the contents API wraps base64 at column 60
	wrapped := content[:20] + "\n" + content[20:]

	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/o/r/contents/cmd/main.go", r.URL.Path)
		assert.Equal(t, "dev", r.URL.Query().Get("ref"))
		_, _ = w.Write([]byte(`{
			"encoding": "base64",
			"content": "` + wrapped + `",
			"size": 29,
			"sha": "abc123",
			"html_url": "https://github.com/o/r/blob/dev/cmd/main.go"
		}`))
	})

	out, err := f.run(t, "get_file", dispatch.Params{
		"repo": "o/r", "path": "cmd/main.go", "ref": "dev",
	})
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}\n", out["content"])
	assert.Equal(t, "abc123", out["sha"])
}

func Test_GetFile_DirectoryRejected(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name": "a.go"}, {"name": "b.go"}]`))
	})

	_, err := f.run(t, "get_file", dispatch.Params{"repo": "o/r", "path": "cmd"})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindValidation, e.Kind)
	assert.Contains(t, e.Error(), "directory")
}

func Test_TokenNeverLeaksInErrors(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		// hostile upstream echoes the credential back
		_, _ = w.Write([]byte(`{"message": "Bad credentials: ` + testToken + `"}`))
	})

	_, err := f.run(t, "repo", dispatch.Params{"repo": "o/r"})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindAuthentication, e.Kind)
	assert.NotContains(t, e.Error(), testToken)
	assert.Contains(t, e.Error(), "***")
}

func Test_NotFoundStatus(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})

	_, err := f.run(t, "repo", dispatch.Params{"repo": "o/missing"})
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.Classify(err).Kind)
}

func Test_FallbackSpec(t *testing.T) {
	spec := gitrepo.New(creds.NewResolver()).Spec()
	require.NotNil(t, spec)
	assert.Equal(t, gitrepo.ToolName, spec.Name)
	assert.True(t, spec.Parameters.IsRequired("operation"))
	assert.False(t, spec.Parameters.IsRequired("repo"))

	state := spec.Parameters.Property("state")
	require.NotNil(t, state)
	assert.Len(t, state.Enum, 3)

	labels := spec.Parameters.Property("labels")
	require.NotNil(t, labels)
	assert.Equal(t, "array", labels.Type)
	require.NotNil(t, labels.Items)
	assert.Equal(t, "string", labels.Items.Type)
}
