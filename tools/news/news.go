// Package news aggregates several upstream news providers into one search
// surface. Providers are queried in parallel; a provider that fails or lacks
// credentials contributes an error entry, never a whole-call failure.
package news

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "news")

// ToolName is the registry name.
const ToolName = "news_search"

const defaultLimit = 10

// Tool is the news aggregator handler.
type Tool struct {
	resolver  *creds.Resolver
	http      *httpx.Client
	providers []Provider
	specDir   string
}

// New builds the handler with the standard provider set.
func New(resolver *creds.Resolver) *Tool {
	return &Tool{
		resolver:  resolver,
		http:      httpx.New().WithRedactor(resolver.Redactor()),
		providers: defaultProviders(),
		specDir:   "tool_specs",
	}
}

// WithProviders replaces the provider set, for tests.
func (t *Tool) WithProviders(providers ...Provider) *Tool {
	t.providers = providers
	return t
}

// WithHTTPClient replaces the remote client, for tests.
func (t *Tool) WithHTTPClient(c *httpx.Client) *Tool {
	t.http = c
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

func (t *Tool) Operations() []string { return []string{"search", "providers"} }

func (t *Tool) DefaultOperation() string { return "search" }

func (t *Tool) OutputCaps(op string) governor.Caps {
	if op == "search" {
		return governor.DefaultCaps("articles")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	switch op {
	case "search":
		return t.search(ctx, params)
	case "providers":
		return t.listProviders(), nil
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

// listProviders reports which providers have credentials configured.
func (t *Tool) listProviders() map[string]any {
	items := make([]any, 0, len(t.providers))
	for _, p := range t.providers {
		_, err := t.resolver.Resolve(p.Profile())
		items = append(items, map[string]any{
			"name":       p.Name(),
			"configured": err == nil,
		})
	}
	return map[string]any{"providers": items, "count": len(items)}
}

func (t *Tool) search(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	query := strings.TrimSpace(params.String("query"))
	if query == "" {
		return nil, envelope.Validation("query is required")
	}
	limit := params.IntOr("limit", defaultLimit)
	if limit < 1 {
		return nil, envelope.Validation("limit must be positive, got %d", limit)
	}

	selected, err := t.selectProviders(params.Strings("providers"))
	if err != nil {
		return nil, err
	}

	type outcome struct {
		provider string
		articles []Article
		err      error
	}
	results := make([]outcome, len(selected))

	// Bounded fan-out: one worker per active provider.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(selected))
	for i, p := range selected {
		g.Go(func() error {
			res, err := t.resolver.Resolve(p.Profile())
			if err != nil {
				results[i] = outcome{provider: p.Name(), err: err}
				return nil
			}
			articles, err := p.Search(gctx, t.http, res["api_key"], query, limit)
			results[i] = outcome{provider: p.Name(), articles: articles, err: err}
			return nil
		})
	}
	_ = g.Wait()

	statuses := make(map[string]any, len(results))
	var combined []Article
	for _, r := range results {
		if r.err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "provider", r.provider, "err",
				t.resolver.Redactor().Redact(r.err.Error()))
			statuses[r.provider] = map[string]any{
				"status": "error",
				"error":  t.resolver.Redactor().Redact(envelope.Classify(r.err).Error()),
			}
			continue
		}
		statuses[r.provider] = map[string]any{"status": "ok", "count": len(r.articles)}
		combined = append(combined, r.articles...)
	}

	combined = dedupeByURL(combined)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].PublishedAt.After(combined[j].PublishedAt)
	})
	if len(combined) > limit {
		combined = combined[:limit]
	}

	items := make([]any, 0, len(combined))
	for _, a := range combined {
		items = append(items, map[string]any{
			"title":        a.Title,
			"url":          a.URL,
			"source":       a.Source,
			"provider":     a.Provider,
			"description":  a.Description,
			"published_at": a.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{
		"query":          query,
		"articles":       items,
		"returned_count": len(items),
		"providers":      statuses,
	}, nil
}

func (t *Tool) selectProviders(names []string) ([]Provider, error) {
	if len(names) == 0 {
		return t.providers, nil
	}
	byName := make(map[string]Provider, len(t.providers))
	for _, p := range t.providers {
		byName[p.Name()] = p
	}
	selected := make([]Provider, 0, len(names))
	for _, name := range names {
		p, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, envelope.Validation("unknown news provider %q", name).
				WithHint("valid providers: newsapi, nyt, guardian")
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// dedupeByURL keeps the first article per URL; provider order is stable so
// earlier providers win.
func dedupeByURL(articles []Article) []Article {
	seen := make(map[string]bool, len(articles))
	out := articles[:0]
	for _, a := range articles {
		key := strings.TrimSuffix(a.URL, "/")
		if a.URL == "" || !seen[key] {
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "News Search",
		Description: "Search newsapi, the New York Times and the Guardian in one call.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation": {Type: "string", Enum: []any{"search", "providers"}},
				"query":     {Type: "string"},
				"providers": {Type: "array", Items: &manifest.Schema{Type: "string"}},
				"limit":     {Type: "integer"},
			},
			Required: []string{"operation"},
		},
	}
}
