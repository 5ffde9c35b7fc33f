package scholar

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
)

// Paper is one normalized scholarly work.
type Paper struct {
	Title     string
	Authors   []string
	Abstract  string
	URL       string
	DOI       string
	Venue     string
	Source    string
	Published time.Time
	CitedBy   int64
}

// Source is one upstream academic index. None of them require an API key.
type Source interface {
	Name() string
	Search(ctx context.Context, client *httpx.Client, query string, limit int) ([]Paper, error)
}

func defaultSources() []Source {
	return []Source{
		ArxivSource(""),
		CrossrefSource(""),
		OpenAlexSource(""),
	}
}

// ArxivSource targets the arXiv Atom API; base overrides the endpoint for
// tests.
func ArxivSource(base string) Source {
	if base == "" {
		base = "https://export.arxiv.org"
	}
	return &arxivSource{base: base}
}

// CrossrefSource targets the Crossref works API.
func CrossrefSource(base string) Source {
	if base == "" {
		base = "https://api.crossref.org"
	}
	return &crossrefSource{base: base}
}

// OpenAlexSource targets the OpenAlex works API.
func OpenAlexSource(base string) Source {
	if base == "" {
		base = "https://api.openalex.org"
	}
	return &openalexSource{base: base}
}

type arxivSource struct {
	base string
}

func (s *arxivSource) Name() string { return "arxiv" }

// atomFeed is the subset of the arXiv Atom response the tool consumes.
type atomFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
		DOI string `xml:"doi"`
	} `xml:"entry"`
}

func (s *arxivSource) Search(ctx context.Context, client *httpx.Client, query string, limit int) ([]Paper, error) {
	u := fmt.Sprintf("%s/api/query?search_query=all:%s&max_results=%d&sortBy=submittedDate&sortOrder=descending",
		s.base, url.QueryEscape(query), limit)
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}

	var feed atomFeed
	if err := xml.Unmarshal(resp.Body, &feed); err != nil {
		return nil, errors.Wrap(err, "arxiv returned malformed Atom")
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		authors := make([]string, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			authors = append(authors, a.Name)
		}
		papers = append(papers, Paper{
			Title:     collapseSpace(entry.Title),
			Authors:   authors,
			Abstract:  collapseSpace(entry.Summary),
			URL:       entry.ID,
			DOI:       entry.DOI,
			Venue:     "arXiv",
			Source:    s.Name(),
			Published: parseWhen(entry.Published),
		})
	}
	return papers, nil
}

type crossrefSource struct {
	base string
}

func (s *crossrefSource) Name() string { return "crossref" }

func (s *crossrefSource) Search(ctx context.Context, client *httpx.Client, query string, limit int) ([]Paper, error) {
	u := fmt.Sprintf("%s/works?query=%s&rows=%d&select=title,author,abstract,URL,DOI,issued,container-title,is-referenced-by-count",
		s.base, url.QueryEscape(query), limit)
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}

	var papers []Paper
	for _, item := range gjson.GetBytes(resp.Body, "message.items").Array() {
		var authors []string
		for _, a := range item.Get("author").Array() {
			authors = append(authors, strings.TrimSpace(a.Get("given").String()+" "+a.Get("family").String()))
		}
		papers = append(papers, Paper{
			Title:     item.Get("title.0").String(),
			Authors:   authors,
			Abstract:  stripJATS(item.Get("abstract").String()),
			URL:       item.Get("URL").String(),
			DOI:       item.Get("DOI").String(),
			Venue:     item.Get("container-title.0").String(),
			Source:    s.Name(),
			Published: dateFromParts(item.Get("issued.date-parts.0")),
			CitedBy:   item.Get("is-referenced-by-count").Int(),
		})
	}
	return papers, nil
}

type openalexSource struct {
	base string
}

func (s *openalexSource) Name() string { return "openalex" }

func (s *openalexSource) Search(ctx context.Context, client *httpx.Client, query string, limit int) ([]Paper, error) {
	u := fmt.Sprintf("%s/works?search=%s&per-page=%d", s.base, url.QueryEscape(query), limit)
	resp, err := client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}

	var papers []Paper
	for _, item := range gjson.GetBytes(resp.Body, "results").Array() {
		var authors []string
		for _, a := range item.Get("authorships").Array() {
			authors = append(authors, a.Get("author.display_name").String())
		}
		link := item.Get("primary_location.landing_page_url").String()
		if link == "" {
			link = item.Get("id").String()
		}
		papers = append(papers, Paper{
			Title:     item.Get("display_name").String(),
			Authors:   authors,
			Abstract:  invertedAbstract(item.Get("abstract_inverted_index")),
			URL:       link,
			DOI:       strings.TrimPrefix(item.Get("doi").String(), "https://doi.org/"),
			Venue:     item.Get("primary_location.source.display_name").String(),
			Source:    s.Name(),
			Published: parseWhen(item.Get("publication_date").String()),
			CitedBy:   item.Get("cited_by_count").Int(),
		})
	}
	return papers, nil
}

// invertedAbstract rebuilds plain text from the OpenAlex inverted index,
// which maps each word to the positions it occupies.
func invertedAbstract(index gjson.Result) string {
	if !index.Exists() {
		return ""
	}
	type slot struct {
		pos  int64
		word string
	}
	var slots []slot
	index.ForEach(func(word, positions gjson.Result) bool {
		for _, pos := range positions.Array() {
			slots = append(slots, slot{pos: pos.Int(), word: word.String()})
		}
		return true
	})
	sort.Slice(slots, func(i, j int) bool { return slots[i].pos < slots[j].pos })

	words := make([]string, 0, len(slots))
	for _, s := range slots {
		words = append(words, s.word)
	}
	return strings.Join(words, " ")
}

var (
	jatsTags = regexp.MustCompile(`<[^>]+>`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// stripJATS flattens the XML-flavoured abstracts Crossref serves.
func stripJATS(s string) string {
	return collapseSpace(jatsTags.ReplaceAllString(s, " "))
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// dateFromParts reads Crossref's [[year, month, day]] shape; month and day
// are optional.
func dateFromParts(parts gjson.Result) time.Time {
	arr := parts.Array()
	if len(arr) == 0 {
		return time.Time{}
	}
	year := int(arr[0].Int())
	month, day := 1, 1
	if len(arr) > 1 {
		month = int(arr[1].Int())
	}
	if len(arr) > 2 {
		day = int(arr[2].Int())
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func parseWhen(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
