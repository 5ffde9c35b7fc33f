package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
)

// Article is one normalized news item.
type Article struct {
	Title       string
	URL         string
	Source      string
	Provider    string
	Description string
	PublishedAt time.Time
}

// Provider is one upstream news source.
type Provider interface {
	Name() string
	// Profile names the credential bundle the provider needs.
	Profile() creds.Profile
	// Search returns up to limit articles for the query.
	Search(ctx context.Context, client *httpx.Client, key, query string, limit int) ([]Article, error)
}

func defaultProviders() []Provider {
	return []Provider{
		NewsAPIProvider(""),
		NYTProvider(""),
		GuardianProvider(""),
	}
}

// NewsAPIProvider targets newsapi.org; base overrides the endpoint for
// tests.
func NewsAPIProvider(base string) Provider {
	if base == "" {
		base = "https://newsapi.org"
	}
	return &newsapiProvider{base: base}
}

// NYTProvider targets the New York Times article search API.
func NYTProvider(base string) Provider {
	if base == "" {
		base = "https://api.nytimes.com"
	}
	return &nytProvider{base: base}
}

// GuardianProvider targets the Guardian content API.
func GuardianProvider(base string) Provider {
	if base == "" {
		base = "https://content.guardianapis.com"
	}
	return &guardianProvider{base: base}
}

type newsapiProvider struct {
	base string
}

func (p *newsapiProvider) Name() string { return "newsapi" }

func (p *newsapiProvider) Profile() creds.Profile {
	return creds.Profile{
		Tool:   "NEWSAPI",
		Fields: []creds.Field{{Name: "api_key", Env: "NEWS_API_KEY", Secret: true}},
	}
}

func (p *newsapiProvider) Search(ctx context.Context, client *httpx.Client, key, query string, limit int) ([]Article, error) {
	u := fmt.Sprintf("%s/v2/everything?q=%s&pageSize=%d&sortBy=publishedAt",
		p.base, url.QueryEscape(query), limit)
	header := http.Header{}
	header.Set("X-Api-Key", key)
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u, Header: header})
	if err != nil {
		return nil, err
	}

	var articles []Article
	for _, item := range gjson.GetBytes(resp.Body, "articles").Array() {
		articles = append(articles, Article{
			Title:       item.Get("title").String(),
			URL:         item.Get("url").String(),
			Source:      item.Get("source.name").String(),
			Provider:    p.Name(),
			Description: item.Get("description").String(),
			PublishedAt: parseWhen(item.Get("publishedAt").String()),
		})
	}
	return articles, nil
}

type nytProvider struct {
	base string
}

func (p *nytProvider) Name() string { return "nyt" }

func (p *nytProvider) Profile() creds.Profile {
	return creds.Profile{
		Tool:   "NYT",
		Fields: []creds.Field{{Name: "api_key", Env: "NYT_API_KEY", Secret: true}},
	}
}

func (p *nytProvider) Search(ctx context.Context, client *httpx.Client, key, query string, limit int) ([]Article, error) {
	u := fmt.Sprintf("%s/svc/search/v2/articlesearch.json?q=%s&sort=newest&api-key=%s",
		p.base, url.QueryEscape(query), url.QueryEscape(key))
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}

	var articles []Article
	for _, item := range gjson.GetBytes(resp.Body, "response.docs").Array() {
		if len(articles) >= limit {
			break
		}
		articles = append(articles, Article{
			Title:       item.Get("headline.main").String(),
			URL:         item.Get("web_url").String(),
			Source:      "The New York Times",
			Provider:    p.Name(),
			Description: item.Get("abstract").String(),
			PublishedAt: parseWhen(item.Get("pub_date").String()),
		})
	}
	return articles, nil
}

type guardianProvider struct {
	base string
}

func (p *guardianProvider) Name() string { return "guardian" }

func (p *guardianProvider) Profile() creds.Profile {
	return creds.Profile{
		Tool:   "GUARDIAN",
		Fields: []creds.Field{{Name: "api_key", Env: "GUARDIAN_API_KEY", Secret: true}},
	}
}

func (p *guardianProvider) Search(ctx context.Context, client *httpx.Client, key, query string, limit int) ([]Article, error) {
	u := fmt.Sprintf("%s/search?q=%s&page-size=%d&order-by=newest&show-fields=trailText&api-key=%s",
		p.base, url.QueryEscape(query), limit, url.QueryEscape(key))
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}

	var articles []Article
	for _, item := range gjson.GetBytes(resp.Body, "response.results").Array() {
		articles = append(articles, Article{
			Title:       item.Get("webTitle").String(),
			URL:         item.Get("webUrl").String(),
			Source:      "The Guardian",
			Provider:    p.Name(),
			Description: item.Get("fields.trailText").String(),
			PublishedAt: parseWhen(item.Get("webPublicationDate").String()),
		})
	}
	return articles, nil
}

// parseWhen tolerates the date shapes the providers emit; an unparseable
// date sorts last rather than failing the article.
func parseWhen(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
