// Package webhookpost posts rich articles to a Discord webhook and keeps a
// local registry so one article key maps to one set of remote messages. It is
// the model for write-idempotent handlers: create refuses a known key, update
// refuses a rotated webhook, delete cleans up remotely best-effort before
// dropping the row.
package webhookpost

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "webhookpost")

// ToolName is the registry name.
const ToolName = "webhook_post"

const maxAttachmentBytes = 8 << 20

// Tool is the webhook poster handler.
type Tool struct {
	registry     *Registry
	http         *httpx.Client
	specDir      string
	newMessenger func(webhookURL string) (Messenger, error)
}

// New builds the handler over an open registry.
func New(registry *Registry) *Tool {
	return &Tool{
		registry:     registry,
		http:         httpx.New(),
		specDir:      "tool_specs",
		newMessenger: NewDiscordMessenger,
	}
}

// WithHTTPClient replaces the attachment download client, for tests.
func (t *Tool) WithHTTPClient(c *httpx.Client) *Tool {
	t.http = c
	return t
}

// WithMessengerFactory replaces the webhook client constructor, for tests.
func (t *Tool) WithMessengerFactory(fn func(string) (Messenger, error)) *Tool {
	t.newMessenger = fn
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
	return []string{"create", "update", "upsert", "delete", "get", "list", "read"}
}

func (t *Tool) DefaultOperation() string { return "list" }

func (t *Tool) Credentials(string) []creds.Profile {
	return []creds.Profile{{
		Tool:   "DISCORD",
		Fields: []creds.Field{creds.Secret("webhook_url")},
	}}
}

func (t *Tool) OutputCaps(op string) governor.Caps {
	switch op {
	case "list":
		return governor.DefaultCaps("articles")
	case "read":
		return governor.DefaultCaps("messages")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	m, err := t.newMessenger(creds.FromContext(ctx)["webhook_url"])
	if err != nil {
		return nil, err
	}
	switch op {
	case "create":
		return t.create(ctx, m, params)
	case "update":
		return t.update(ctx, m, params)
	case "upsert":
		return t.upsert(ctx, m, params)
	case "delete":
		return t.delete(ctx, m, params)
	case "get":
		return t.get(ctx, params)
	case "list":
		return t.list(ctx)
	case "read":
		return t.read(ctx, m, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func articleKey(params dispatch.Params) (string, error) {
	key := params.String("article_key")
	if key == "" {
		return "", envelope.Validation("article_key is required")
	}
	return key, nil
}

// plan is the rendered article: embed batches of at most ten embeds per
// message, with an optional attachment on the first message.
type plan struct {
	batches      [][]*discordgo.MessageEmbed
	files        []*discordgo.File
	totalEmbeds  int
	splitApplied bool
}

func (t *Tool) renderArticle(ctx context.Context, params dispatch.Params) (*plan, error) {
	article := params.Map("article")
	if article == nil {
		return nil, envelope.Validation("article is required and must be an object")
	}
	title, _ := article["title"].(string)
	articleURL, _ := article["url"].(string)
	body, _ := article["body"].(string)
	if title == "" && body == "" {
		return nil, envelope.Validation("article must carry a title or a body")
	}

	file, err := t.resolveAttachment(ctx, article)
	if err != nil {
		return nil, err
	}

	chunks := splitDescription(body, maxEmbedDescription)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	embeds := make([]*discordgo.MessageEmbed, 0, len(chunks))
	for i, chunk := range chunks {
		embed := &discordgo.MessageEmbed{Description: chunk}
		if i == 0 {
			embed.Title = title
			embed.URL = articleURL
			if file != nil {
				embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + file.Name}
			}
		}
		embeds = append(embeds, embed)
	}

	p := &plan{
		totalEmbeds:  len(embeds),
		splitApplied: len(embeds) > 1,
	}
	if file != nil {
		p.files = []*discordgo.File{file}
	}
	for len(embeds) > 0 {
		n := min(len(embeds), maxEmbedsPerMessage)
		p.batches = append(p.batches, embeds[:n])
		embeds = embeds[n:]
	}
	return p, nil
}

// resolveAttachment loads the optional article image from base64 bytes or by
// downloading the given URL.
func (t *Tool) resolveAttachment(ctx context.Context, article map[string]any) (*discordgo.File, error) {
	name, _ := article["image_filename"].(string)
	if name == "" {
		name = "image.png"
	}

	if b64, _ := article["image_base64"].(string); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, envelope.Validation("image_base64 is not valid base64")
		}
		if len(data) > maxAttachmentBytes {
			return nil, envelope.Validation("image is %d bytes, above the %d byte attachment limit", len(data), maxAttachmentBytes)
		}
		return &discordgo.File{Name: name, Reader: bytes.NewReader(data)}, nil
	}

	if imageURL, _ := article["image_url"].(string); imageURL != "" {
		resp, err := t.http.Do(ctx, httpx.Request{Method: http.MethodGet, URL: imageURL})
		if err != nil {
			return nil, err
		}
		if len(resp.Body) > maxAttachmentBytes {
			return nil, envelope.Validation("downloaded image is %d bytes, above the %d byte attachment limit", len(resp.Body), maxAttachmentBytes)
		}
		return &discordgo.File{
			Name:        name,
			ContentType: resp.Header.Get("Content-Type"),
			Reader:      bytes.NewReader(resp.Body),
		}, nil
	}
	return nil, nil
}

func dryRunResult(key string, p *plan) map[string]any {
	counts := make([]any, 0, len(p.batches))
	for _, b := range p.batches {
		counts = append(counts, len(b))
	}
	return map[string]any{
		"article_key":     key,
		"status":          "dry_run",
		"total_embeds":    p.totalEmbeds,
		"split_applied":   p.splitApplied,
		"batches_planned": counts,
	}
}

func (t *Tool) create(ctx context.Context, m Messenger, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	p, err := t.renderArticle(ctx, params)
	if err != nil {
		return nil, err
	}
	if params.Bool("dry_run") {
		return dryRunResult(key, p), nil
	}

	// Reserve the key first so concurrent creates resolve to exactly one
	// winner.
	rec := &Record{ArticleKey: key, WebhookHash: m.Hash()}
	if err := t.registry.Create(ctx, rec); err != nil {
		return nil, err
	}

	if err := t.postBatches(ctx, m, rec, p); err != nil {
		t.rollbackCreate(ctx, m, rec)
		return nil, err
	}
	if err := t.registry.Update(ctx, rec); err != nil {
		return nil, err
	}
	return postResult(key, "created", rec, p), nil
}

func (t *Tool) postBatches(ctx context.Context, m Messenger, rec *Record, p *plan) error {
	for i, batch := range p.batches {
		var files []*discordgo.File
		if i == 0 {
			files = p.files
		}
		id, err := m.Post(ctx, batch, files)
		if err != nil {
			return err
		}
		rec.MessageIDs = append(rec.MessageIDs, id)
		rec.EmbedCounts = append(rec.EmbedCounts, len(batch))
	}
	return nil
}

func (t *Tool) rollbackCreate(ctx context.Context, m Messenger, rec *Record) {
	for _, id := range rec.MessageIDs {
		if err := m.Delete(ctx, id); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "article_key", rec.ArticleKey, "message_id", id, "err", err.Error())
		}
	}
	if _, err := t.registry.Delete(ctx, rec.ArticleKey); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "article_key", rec.ArticleKey, "err", err.Error())
	}
}

func (t *Tool) update(ctx context.Context, m Messenger, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	rec, err := t.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.WebhookHash != m.Hash() {
		return nil, envelope.Conflict("article %q was posted through a different webhook", key).
			WithField("article_key", key).
			WithHint("the webhook was rotated; delete and recreate the article")
	}
	p, err := t.renderArticle(ctx, params)
	if err != nil {
		return nil, err
	}
	if params.Bool("dry_run") {
		return dryRunResult(key, p), nil
	}

	if len(p.batches) == len(rec.MessageIDs) {
		for i, batch := range p.batches {
			if err := m.Edit(ctx, rec.MessageIDs[i], batch); err != nil {
				return nil, err
			}
			rec.EmbedCounts[i] = len(batch)
		}
	} else {
		// The message count changed; replace the thread wholesale.
		for _, id := range rec.MessageIDs {
			if err := m.Delete(ctx, id); err != nil {
				logger.ContextKV(ctx, xlog.WARNING, "article_key", key, "message_id", id, "err", err.Error())
			}
		}
		rec.MessageIDs, rec.EmbedCounts = nil, nil
		if err := t.postBatches(ctx, m, rec, p); err != nil {
			return nil, err
		}
	}
	if err := t.registry.Update(ctx, rec); err != nil {
		return nil, err
	}
	return postResult(key, "updated", rec, p), nil
}

func (t *Tool) upsert(ctx context.Context, m Messenger, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	_, err = t.registry.Get(ctx, key)
	if err == nil {
		return t.update(ctx, m, params)
	}
	if envelope.Classify(err).Kind == envelope.KindNotFound {
		return t.create(ctx, m, params)
	}
	return nil, err
}

func (t *Tool) delete(ctx context.Context, m Messenger, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	rec, err := t.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	deleted := 0
	for _, id := range rec.MessageIDs {
		if err := m.Delete(ctx, id); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "article_key", key, "message_id", id, "err", err.Error())
			continue
		}
		deleted++
	}
	if _, err := t.registry.Delete(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{
		"article_key": key,
		"deleted":     deleted,
		"messages":    len(rec.MessageIDs),
	}, nil
}

func (t *Tool) get(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	rec, err := t.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return recordFields(rec), nil
}

func (t *Tool) list(ctx context.Context) (map[string]any, error) {
	records, err := t.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(records))
	for _, rec := range records {
		items = append(items, recordFields(rec))
	}
	return map[string]any{"articles": items, "count": len(items)}, nil
}

func (t *Tool) read(ctx context.Context, m Messenger, params dispatch.Params) (map[string]any, error) {
	key, err := articleKey(params)
	if err != nil {
		return nil, err
	}
	rec, err := t.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	messages := make([]any, 0, len(rec.MessageIDs))
	for _, id := range rec.MessageIDs {
		msg, err := m.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		embeds := make([]any, 0, len(msg.Embeds))
		for _, e := range msg.Embeds {
			embeds = append(embeds, map[string]any{
				"title":       e.Title,
				"url":         e.URL,
				"description": e.Description,
			})
		}
		messages = append(messages, map[string]any{
			"message_id": id,
			"embeds":     embeds,
		})
	}
	return map[string]any{
		"article_key": key,
		"messages":    messages,
		"count":       len(messages),
	}, nil
}

func postResult(key, status string, rec *Record, p *plan) map[string]any {
	ids := make([]any, 0, len(rec.MessageIDs))
	for _, id := range rec.MessageIDs {
		ids = append(ids, id)
	}
	return map[string]any{
		"article_key":   key,
		"status":        status,
		"message_ids":   ids,
		"total_embeds":  p.totalEmbeds,
		"split_applied": p.splitApplied,
	}
}

func recordFields(rec *Record) map[string]any {
	ids := make([]any, 0, len(rec.MessageIDs))
	for _, id := range rec.MessageIDs {
		ids = append(ids, id)
	}
	counts := make([]any, 0, len(rec.EmbedCounts))
	for _, c := range rec.EmbedCounts {
		counts = append(counts, c)
	}
	return map[string]any{
		"article_key":  rec.ArticleKey,
		"message_ids":  ids,
		"embed_counts": counts,
		"created_at":   rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at":   rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func fallbackSpec() *manifest.ToolSpec {
	no := false
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "Webhook Poster",
		Description: "Post, update and delete rich articles on a Discord webhook with idempotent article keys.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation": {Type: "string", Enum: []any{
					"create", "update", "upsert", "delete", "get", "list", "read",
				}},
				"article_key": {Type: "string"},
				"article":     {Type: "object"},
				"dry_run":     {Type: "boolean"},
			},
			Required:             []string{"operation"},
			AdditionalProperties: &no,
		},
	}
}
