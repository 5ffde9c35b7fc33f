// Package scholar searches academic indexes (arXiv, Crossref, OpenAlex) in
// parallel and merges the results into one ranked list. Output bounds are
// tunable through ACADEMIC_RS_* environment variables because abstracts are
// the fastest way to flood a context window.
package scholar

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "scholar")

// ToolName is the registry name.
const ToolName = "academic_search"

// EnvPrefix scopes the governor tuning variables.
const EnvPrefix = "ACADEMIC_RS"

const defaultLimit = 10

// Tool is the academic search handler.
type Tool struct {
	http    *httpx.Client
	sources []Source
	specDir string
}

// New builds the handler with the standard source set.
func New() *Tool {
	return &Tool{
		http:    httpx.New(),
		sources: defaultSources(),
		specDir: "tool_specs",
	}
}

// WithSources replaces the source set, for tests.
func (t *Tool) WithSources(sources ...Source) *Tool {
	t.sources = sources
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

func (t *Tool) Operations() []string { return []string{"search", "sources"} }

func (t *Tool) DefaultOperation() string { return "search" }

func (t *Tool) OutputCaps(op string) governor.Caps {
	if op == "search" {
		return governor.DefaultCaps("papers").FromEnv(EnvPrefix)
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	switch op {
	case "search":
		return t.search(ctx, params)
	case "sources":
		return t.listSources(), nil
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func (t *Tool) listSources() map[string]any {
	items := make([]any, 0, len(t.sources))
	for _, s := range t.sources {
		items = append(items, map[string]any{"name": s.Name()})
	}
	return map[string]any{"sources": items, "count": len(items)}
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

	selected, err := t.selectSources(params.Strings("sources"))
	if err != nil {
		return nil, err
	}

	type outcome struct {
		source string
		papers []Paper
		err    error
	}
	results := make([]outcome, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(selected))
	for i, s := range selected {
		g.Go(func() error {
			papers, err := s.Search(gctx, t.http, query, limit)
			results[i] = outcome{source: s.Name(), papers: papers, err: err}
			return nil
		})
	}
	_ = g.Wait()

	statuses := make(map[string]any, len(results))
	var combined []Paper
	for _, r := range results {
		if r.err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "source", r.source, "err", r.err.Error())
			statuses[r.source] = map[string]any{
				"status": "error",
				"error":  envelope.Classify(r.err).Error(),
			}
			continue
		}
		statuses[r.source] = map[string]any{"status": "ok", "count": len(r.papers)}
		combined = append(combined, r.papers...)
	}

	combined = dedupe(combined)
	// citation count first, recency as the tiebreak
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].CitedBy != combined[j].CitedBy {
			return combined[i].CitedBy > combined[j].CitedBy
		}
		return combined[i].Published.After(combined[j].Published)
	})
	if len(combined) > limit {
		combined = combined[:limit]
	}

	items := make([]any, 0, len(combined))
	for _, p := range combined {
		item := map[string]any{
			"title":    p.Title,
			"url":      p.URL,
			"source":   p.Source,
			"abstract": p.Abstract,
			"cited_by": p.CitedBy,
		}
		if len(p.Authors) > 0 {
			authors := make([]any, 0, len(p.Authors))
			for _, a := range p.Authors {
				authors = append(authors, a)
			}
			item["authors"] = authors
		}
		if p.DOI != "" {
			item["doi"] = p.DOI
		}
		if p.Venue != "" {
			item["venue"] = p.Venue
		}
		if !p.Published.IsZero() {
			item["published"] = p.Published.UTC().Format(time.DateOnly)
		}
		items = append(items, item)
	}
	return map[string]any{
		"query":          query,
		"papers":         items,
		"returned_count": len(items),
		"sources":        statuses,
	}, nil
}

func (t *Tool) selectSources(names []string) ([]Source, error) {
	if len(names) == 0 {
		return t.sources, nil
	}
	byName := make(map[string]Source, len(t.sources))
	for _, s := range t.sources {
		byName[s.Name()] = s
	}
	selected := make([]Source, 0, len(names))
	for _, name := range names {
		s, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, envelope.Validation("unknown academic source %q", name).
				WithHint("valid sources: arxiv, crossref, openalex")
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// dedupe drops duplicates by DOI when both sides have one, by normalized
// title otherwise. The first occurrence wins, so source order matters.
func dedupe(papers []Paper) []Paper {
	seenDOI := make(map[string]bool, len(papers))
	seenTitle := make(map[string]bool, len(papers))
	out := papers[:0]
	for _, p := range papers {
		title := strings.ToLower(collapseSpace(p.Title))
		if p.DOI != "" && seenDOI[p.DOI] {
			continue
		}
		if title != "" && seenTitle[title] {
			continue
		}
		if p.DOI != "" {
			seenDOI[p.DOI] = true
		}
		if title != "" {
			seenTitle[title] = true
		}
		out = append(out, p)
	}
	return out
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "Academic Search",
		Description: "Search arXiv, Crossref and OpenAlex for scholarly works.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation": {Type: "string", Enum: []any{"search", "sources"}},
				"query":     {Type: "string"},
				"sources":   {Type: "array", Items: &manifest.Schema{Type: "string"}},
				"limit":     {Type: "integer"},
			},
			Required: []string{"operation"},
		},
	}
}
