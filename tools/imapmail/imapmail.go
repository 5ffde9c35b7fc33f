// Package imapmail adapts IMAP accounts behind per-provider profiles. Every
// operation opens one session and logs out on all exit paths; batch flag,
// move and delete operations report per-item failures instead of failing the
// whole call.
package imapmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/effective-security/toolbelt/chroot"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "imapmail")

// ToolName is the registry name.
const ToolName = "imap_mail"

const defaultListLimit = 25

// Tool is the IMAP adapter handler. Credentials are resolved per provider at
// operation time; the dispatcher-level declaration cannot express
// param-dependent profiles.
type Tool struct {
	resolver *creds.Resolver
	dialer   Dialer
	files    *chroot.Root
	specDir  string
}

// New builds the handler. Attachment downloads land under the files root.
func New(resolver *creds.Resolver, files *chroot.Root) *Tool {
	return &Tool{
		resolver: resolver,
		dialer:   DialIMAP,
		files:    files,
		specDir:  "tool_specs",
	}
}

// WithDialer replaces the session dialer, for tests.
func (t *Tool) WithDialer(d Dialer) *Tool {
	t.dialer = d
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
	return []string{
		"connect", "list_folders", "list_messages", "get_message", "search",
		"mark_read", "mark_unread", "flag", "unflag", "move", "delete",
		"download_attachment",
	}
}

func (t *Tool) DefaultOperation() string { return "connect" }

func (t *Tool) OutputCaps(op string) governor.Caps {
	switch op {
	case "list_messages", "search":
		return governor.DefaultCaps("messages")
	case "list_folders":
		return governor.DefaultCaps("folders")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	prov, err := providerByName(params.StringOr("provider", "gmail"))
	if err != nil {
		return nil, err
	}
	res, err := t.resolver.Resolve(prov.Profile())
	if err != nil {
		return nil, err
	}

	session, err := t.dialer(ctx, prov.Addr(res), res["email"], res["password"])
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "provider", prov.name, "reason", "logout failed", "err", err.Error())
		}
	}()

	switch op {
	case "connect":
		return t.connect(ctx, session)
	case "list_folders":
		return t.listFolders(ctx, session)
	case "list_messages":
		return t.listMessages(ctx, session, prov, params)
	case "get_message":
		return t.getMessage(ctx, session, prov, params)
	case "search":
		return t.search(ctx, session, prov, params)
	case "mark_read":
		return t.storeBatch(ctx, session, prov, params, true, []string{`\Seen`})
	case "mark_unread":
		return t.storeBatch(ctx, session, prov, params, false, []string{`\Seen`})
	case "flag":
		return t.storeBatch(ctx, session, prov, params, true, []string{`\Flagged`})
	case "unflag":
		return t.storeBatch(ctx, session, prov, params, false, []string{`\Flagged`})
	case "move":
		return t.moveBatch(ctx, session, prov, params)
	case "delete":
		return t.deleteBatch(ctx, session, prov, params)
	case "download_attachment":
		return t.downloadAttachment(ctx, session, prov, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func (t *Tool) connect(ctx context.Context, session Session) (map[string]any, error) {
	caps := session.Capabilities()
	folders, err := session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"connected":    true,
		"capabilities": caps,
		"folder_count": len(folders),
	}, nil
}

func (t *Tool) listFolders(ctx context.Context, session Session) (map[string]any, error) {
	folders, err := session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(folders))
	for _, f := range folders {
		items = append(items, map[string]any{
			"name":       f.Name,
			"attributes": f.Attributes,
		})
	}
	return map[string]any{"folders": items, "count": len(items)}, nil
}

func (t *Tool) selectFolder(ctx context.Context, session Session, prov *provider, params dispatch.Params) (string, uint32, uint32, error) {
	folder := prov.Folder(params.StringOr("folder", "inbox"))
	total, unseen, err := session.Select(ctx, folder)
	return folder, total, unseen, err
}

func (t *Tool) listMessages(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	folder, total, unseen, err := t.selectFolder(ctx, session, prov, params)
	if err != nil {
		return nil, err
	}
	uids, err := session.Search(ctx, &Query{Unseen: params.Bool("unseen_only")})
	if err != nil {
		return nil, err
	}
	limit := params.IntOr("limit", defaultListLimit)
	if len(uids) > limit {
		// highest UIDs are the newest messages
		uids = uids[len(uids)-limit:]
	}
	messages, err := session.FetchSummaries(ctx, uids)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"folder":   folder,
		"total":    int(total),
		"unseen":   int(unseen),
		"messages": summaryItems(messages),
	}, nil
}

func (t *Tool) getMessage(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	uid, err := messageUID(params)
	if err != nil {
		return nil, err
	}
	folder, _, _, err := t.selectFolder(ctx, session, prov, params)
	if err != nil {
		return nil, err
	}
	msg, err := session.FetchFull(ctx, uid, false)
	if err != nil {
		return nil, err
	}
	attachments := make([]any, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, map[string]any{
			"filename":     a.Filename,
			"content_type": a.ContentType,
			"size":         a.Size,
		})
	}
	return map[string]any{
		"folder":      folder,
		"uid":         int(msg.UID),
		"subject":     msg.Subject,
		"from":        msg.From,
		"to":          msg.To,
		"date":        msg.Date.UTC().Format(time.RFC3339),
		"flags":       msg.Flags,
		"body":        msg.Body,
		"attachments": attachments,
	}, nil
}

func (t *Tool) search(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	folder, _, _, err := t.selectFolder(ctx, session, prov, params)
	if err != nil {
		return nil, err
	}
	q, err := queryFromParams(params)
	if err != nil {
		return nil, err
	}
	uids, err := session.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	limit := params.IntOr("limit", defaultListLimit)
	matched := len(uids)
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	messages, err := session.FetchSummaries(ctx, uids)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"folder":   folder,
		"matched":  matched,
		"messages": summaryItems(messages),
	}, nil
}

// queryFromParams decodes the structured query. Dates arrive as YYYY-MM-DD;
// both bounds are inclusive.
func queryFromParams(params dispatch.Params) (*Query, error) {
	q := &Query{
		From:    params.String("from"),
		To:      params.String("to"),
		Subject: params.String("subject"),
		Text:    params.String("text"),
		Unseen:  params.Bool("unseen"),
		Seen:    params.Bool("seen"),
		Flagged: params.Bool("flagged"),
	}
	var err error
	if q.Since, err = parseDate(params.String("since")); err != nil {
		return nil, err
	}
	if q.Before, err = parseDate(params.String("before")); err != nil {
		return nil, err
	}
	return q, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, envelope.Validation("invalid date %q, expected YYYY-MM-DD", s)
	}
	return ts, nil
}

// storeBatch applies a flag change per UID, reporting partial failures.
func (t *Tool) storeBatch(ctx context.Context, session Session, prov *provider, params dispatch.Params, add bool, flags []string) (map[string]any, error) {
	uids, err := messageUIDs(params)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := t.selectFolder(ctx, session, prov, params); err != nil {
		return nil, err
	}
	return batchResult(uids, func(uid uint32) error {
		return session.StoreFlags(ctx, uid, add, flags)
	})
}

func (t *Tool) moveBatch(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	dest := params.String("destination")
	if dest == "" {
		return nil, envelope.Validation("move requires a destination folder")
	}
	dest = prov.Folder(dest)
	uids, err := messageUIDs(params)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := t.selectFolder(ctx, session, prov, params); err != nil {
		return nil, err
	}
	out, err := batchResult(uids, func(uid uint32) error {
		return session.Move(ctx, uid, dest)
	})
	if err != nil {
		return nil, err
	}
	out["destination"] = dest
	return out, nil
}

func (t *Tool) deleteBatch(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	uids, err := messageUIDs(params)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := t.selectFolder(ctx, session, prov, params); err != nil {
		return nil, err
	}
	return batchResult(uids, func(uid uint32) error {
		return session.Delete(ctx, uid)
	})
}

// batchResult runs the action per UID. Per-item failures are entries in
// failed; a batch where no UID succeeded is an error, classified from the
// first per-item cause.
func batchResult(uids []uint32, action func(uid uint32) error) (map[string]any, error) {
	updated := make([]any, 0, len(uids))
	failed := make([]any, 0)
	var firstErr error
	for _, uid := range uids {
		if err := action(uid); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, map[string]any{
				"id":    strconv.FormatUint(uint64(uid), 10),
				"error": envelope.Classify(err).Error(),
			})
			continue
		}
		updated = append(updated, strconv.FormatUint(uint64(uid), 10))
	}
	if len(updated) == 0 && len(failed) > 0 {
		return nil, envelope.New(envelope.Classify(firstErr).Kind,
			"no messages updated, all %d failed", len(failed)).
			WithCause(firstErr)
	}
	return map[string]any{
		"updated":     updated,
		"failed":      failed,
		"all_updated": len(failed) == 0,
	}, nil
}

func (t *Tool) downloadAttachment(ctx context.Context, session Session, prov *provider, params dispatch.Params) (map[string]any, error) {
	uid, err := messageUID(params)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := t.selectFolder(ctx, session, prov, params); err != nil {
		return nil, err
	}
	msg, err := session.FetchFull(ctx, uid, true)
	if err != nil {
		return nil, err
	}
	if len(msg.Attachments) == 0 {
		return nil, envelope.NotFound("message %d has no attachments", uid).WithField("uid", int(uid))
	}

	want := params.String("filename")
	var att *Attachment
	for i := range msg.Attachments {
		if want == "" || msg.Attachments[i].Filename == want {
			att = &msg.Attachments[i]
			break
		}
	}
	if att == nil {
		return nil, envelope.NotFound("message %d has no attachment named %q", uid, want).
			WithField("uid", int(uid)).
			WithField("filename", want)
	}

	rel := fmt.Sprintf("attachments/%d_%s", uid, att.Filename)
	abs, err := t.files.WriteFile(rel, att.Content)
	if err != nil {
		return nil, err
	}
	logger.ContextKV(ctx, xlog.DEBUG, "uid", uid, "filename", att.Filename, "size", att.Size)
	return map[string]any{
		"uid":          int(uid),
		"filename":     att.Filename,
		"content_type": att.ContentType,
		"size":         att.Size,
		"path":         abs,
	}, nil
}

func messageUID(params dispatch.Params) (uint32, error) {
	if n, ok := params.Int("uid"); ok && n > 0 {
		return uint32(n), nil
	}
	if s := params.String("uid"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err == nil {
			return uint32(n), nil
		}
	}
	return 0, envelope.Validation("a positive message uid is required")
}

func messageUIDs(params dispatch.Params) ([]uint32, error) {
	raw := params.List("message_ids")
	if len(raw) == 0 {
		return nil, envelope.Validation("message_ids must be a non-empty list")
	}
	uids := make([]uint32, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			uids = append(uids, uint32(n))
		case string:
			parsed, err := strconv.ParseUint(n, 10, 32)
			if err != nil {
				return nil, envelope.Validation("message id %q is not a number", n)
			}
			uids = append(uids, uint32(parsed))
		default:
			return nil, envelope.Validation("message id %v has unsupported type %T", v, v)
		}
	}
	return uids, nil
}

func summaryItems(messages []Message) []any {
	items := make([]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{
			"uid":     int(m.UID),
			"subject": m.Subject,
			"from":    m.From,
			"date":    m.Date.UTC().Format(time.RFC3339),
			"flags":   m.Flags,
			"size":    m.Size,
		})
	}
	return items
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "IMAP Mail",
		Description: "Read, search and manage mail over IMAP for gmail, outlook or a custom server.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation": {Type: "string", Enum: []any{
					"connect", "list_folders", "list_messages", "get_message",
					"search", "mark_read", "mark_unread", "flag", "unflag",
					"move", "delete", "download_attachment",
				}},
				"provider":    {Type: "string", Enum: []any{"gmail", "outlook", "custom"}},
				"folder":      {Type: "string"},
				"destination": {Type: "string"},
				"uid":         {Type: "integer"},
				"message_ids": {Type: "array", Items: &manifest.Schema{Type: "string"}},
				"limit":       {Type: "integer"},
				"unseen_only": {Type: "boolean"},
				"from":        {Type: "string"},
				"to":          {Type: "string"},
				"subject":     {Type: "string"},
				"text":        {Type: "string"},
				"since":       {Type: "string"},
				"before":      {Type: "string"},
				"unseen":      {Type: "boolean"},
				"seen":        {Type: "boolean"},
				"flagged":     {Type: "boolean"},
				"filename":    {Type: "string"},
			},
			Required: []string{"operation"},
		},
	}
}
