// Package fileeditor edits text objects in a versioned object store. It is
// the model for write-capable handlers: scoped namespaces, surgical edit
// transforms, optimistic locking on the object ETag, recoverable deletes and
// unified diffs between versions.
package fileeditor

import (
	"context"
	"mime"
	"path"
	"strings"

	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
	"github.com/pmezard/go-difflib/difflib"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "fileeditor")

const (
	// ToolName is the registry name.
	ToolName = "file_editor"

	// MaxEditBytes is the edit ceiling. Objects above it can only be
	// appended to or recreated.
	MaxEditBytes = 1 << 20

	defaultListKeys = 100
)

// Path scopes. Write operations on a read-only scope fail before any I/O.
const (
	ScopeUser       = "user"
	ScopeProject    = "project"
	ScopeDatasource = "datasource"
)

// Tool is the file editor handler.
type Tool struct {
	store   ObjectStore
	specDir string
}

// New builds the handler over the given store.
func New(store ObjectStore) *Tool {
	return &Tool{store: store, specDir: "tool_specs"}
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
	return []string{"list", "read", "create", "edit", "append", "delete", "versions", "diff", "restore"}
}

func (t *Tool) DefaultOperation() string { return "list" }

// OutputCaps declares the items field per operation for the governor.
func (t *Tool) OutputCaps(op string) governor.Caps {
	switch op {
	case "list":
		return governor.DefaultCaps("objects")
	case "versions":
		return governor.DefaultCaps("versions")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	switch op {
	case "list":
		return t.list(ctx, params)
	case "read":
		return t.read(ctx, params)
	case "create":
		return t.create(ctx, params)
	case "edit":
		return t.edit(ctx, params)
	case "append":
		return t.append(ctx, params)
	case "delete":
		return t.delete(ctx, params)
	case "versions":
		return t.versions(ctx, params)
	case "diff":
		return t.diff(ctx, params)
	case "restore":
		return t.restore(ctx, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

// resolveKey maps (scope, path) to the backing object key. The datasource
// scope is read-only; project and datasource scopes require an identifier.
func resolveKey(params dispatch.Params, forWrite bool) (string, error) {
	scope := params.StringOr("scope", ScopeUser)
	var prefix string
	switch scope {
	case ScopeUser:
		prefix = "user"
	case ScopeProject:
		project := params.String("project")
		if project == "" {
			return "", envelope.Validation("the project scope requires a project identifier")
		}
		prefix = "project/" + project
	case ScopeDatasource:
		if forWrite {
			return "", envelope.Validation("the datasource scope is read-only").
				WithField("scope", scope)
		}
		ds := params.String("datasource")
		if ds == "" {
			return "", envelope.Validation("the datasource scope requires a datasource identifier")
		}
		prefix = "datasource/" + ds
	default:
		return "", envelope.Validation("unknown scope %q", scope).
			WithHint("valid scopes: %s, %s, %s", ScopeUser, ScopeProject, ScopeDatasource)
	}

	rel, err := cleanPath(params.String("path"))
	if err != nil {
		return "", err
	}
	return prefix + "/" + rel, nil
}

// cleanPath validates a caller-supplied relative path for use as a key
// suffix.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", envelope.Validation("path must not be empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", envelope.Validation("path %q must be relative", p).WithField("path", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", envelope.Validation("path %q must not escape its scope", p).WithField("path", p)
	}
	return cleaned, nil
}

func (t *Tool) list(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	scope := params.StringOr("scope", ScopeUser)
	keyParams := dispatch.Params{"scope": scope, "project": params.String("project"),
		"datasource": params.String("datasource"), "path": "."}
	base, err := resolveKey(keyParams, false)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(base, "/.") + "/"
	if rel := params.String("prefix"); rel != "" {
		cleaned, err := cleanPath(rel)
		if err != nil {
			return nil, err
		}
		prefix += cleaned
	}

	maxKeys := params.IntOr("max_keys", defaultListKeys)
	objects, prefixes, err := t.store.List(ctx, prefix, maxKeys)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(objects))
	for _, obj := range objects {
		items = append(items, map[string]any{
			"path":          strings.TrimPrefix(obj.Key, prefix),
			"size":          obj.Size,
			"etag":          obj.ETag,
			"last_modified": obj.LastModified.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return map[string]any{
		"scope":    scope,
		"objects":  items,
		"prefixes": prefixes,
		"count":    len(items),
	}, nil
}

func (t *Tool) read(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, false)
	if err != nil {
		return nil, err
	}
	obj, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":         params.String("path"),
		"content":      string(obj.Content),
		"size":         obj.Size,
		"etag":         obj.ETag,
		"version_id":   obj.VersionID,
		"content_type": obj.ContentType,
	}, nil
}

func (t *Tool) create(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, true)
	if err != nil {
		return nil, err
	}
	if !params.Has("content") {
		return nil, envelope.Validation("create requires a content parameter")
	}
	content := params.String("content")
	contentType := params.String("content_type")
	if contentType == "" {
		contentType = guessContentType(key)
	}

	res, err := t.store.Put(ctx, key, []byte(content), contentType)
	if err != nil {
		return nil, err
	}
	logger.ContextKV(ctx, xlog.DEBUG, "op", "create", "key", key, "size", len(content))
	return map[string]any{
		"path":         params.String("path"),
		"size":         len(content),
		"etag":         res.ETag,
		"version_id":   res.VersionID,
		"content_type": contentType,
	}, nil
}

func (t *Tool) edit(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, true)
	if err != nil {
		return nil, err
	}
	edits, err := parseEdits(params.List("edits"))
	if err != nil {
		return nil, err
	}

	obj, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj.Size > MaxEditBytes {
		return nil, envelope.Validation("object is %d bytes, above the %d byte edit ceiling", obj.Size, MaxEditBytes).
			WithField("size", obj.Size).
			WithHint("use append or create instead")
	}

	before := string(obj.Content)
	after, err := ApplyEdits(before, edits)
	if err != nil {
		return nil, err
	}
	diff := unifiedDiff(params.String("path"), before, after)
	changed := after != before

	if params.Bool("dry_run") {
		return map[string]any{
			"path":    params.String("path"),
			"dry_run": true,
			"changed": changed,
			"diff":    diff,
		}, nil
	}

	res, err := t.writeLocked(ctx, key, obj, []byte(after))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":       params.String("path"),
		"changed":    changed,
		"diff":       diff,
		"size":       len(after),
		"etag":       res.ETag,
		"version_id": res.VersionID,
	}, nil
}

func (t *Tool) append(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, true)
	if err != nil {
		return nil, err
	}
	if !params.Has("content") {
		return nil, envelope.Validation("append requires a content parameter")
	}
	content := params.String("content")

	obj, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	combined := string(obj.Content)
	if combined != "" && !strings.HasSuffix(combined, "\n") {
		combined += "\n"
	}
	combined += content

	res, err := t.writeLocked(ctx, key, obj, []byte(combined))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":       params.String("path"),
		"size":       len(combined),
		"etag":       res.ETag,
		"version_id": res.VersionID,
	}, nil
}

// writeLocked re-reads the object metadata and writes only when the ETag is
// unchanged since the initial read. The lock boundary is read to write within
// one call.
func (t *Tool) writeLocked(ctx context.Context, key string, read *Object, content []byte) (*PutResult, error) {
	head, err := t.store.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if head.ETag != read.ETag {
		return nil, envelope.Conflict("object %q changed since it was read", key).
			WithField("read_etag", read.ETag).
			WithField("current_etag", head.ETag).
			WithHint("re-read the file and retry the edit")
	}
	return t.store.Put(ctx, key, content, read.ContentType)
}

func (t *Tool) delete(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, true)
	if err != nil {
		return nil, err
	}
	if _, err := t.store.Head(ctx, key); err != nil {
		return nil, err
	}
	marker, err := t.store.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":              params.String("path"),
		"deleted":           true,
		"marker_version_id": marker,
	}, nil
}

func (t *Tool) versions(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, false)
	if err != nil {
		return nil, err
	}
	versions, err := t.store.Versions(ctx, key)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"version_id":    v.VersionID,
			"etag":          v.ETag,
			"size":          v.Size,
			"last_modified": v.LastModified.UTC().Format("2006-01-02T15:04:05Z"),
			"is_latest":     v.IsLatest,
			"delete_marker": v.DeleteMarker,
		})
	}
	return map[string]any{
		"path":     params.String("path"),
		"versions": items,
		"count":    len(items),
	}, nil
}

func (t *Tool) diff(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, false)
	if err != nil {
		return nil, err
	}
	a, err := t.fetch(ctx, key, params.String("version_a"))
	if err != nil {
		return nil, err
	}
	b, err := t.fetch(ctx, key, params.String("version_b"))
	if err != nil {
		return nil, err
	}
	diff := unifiedDiff(params.String("path"), string(a.Content), string(b.Content))
	return map[string]any{
		"path":      params.String("path"),
		"version_a": a.VersionID,
		"version_b": b.VersionID,
		"identical": string(a.Content) == string(b.Content),
		"diff":      diff,
	}, nil
}

// fetch returns the named version, or current when versionID is empty.
func (t *Tool) fetch(ctx context.Context, key, versionID string) (*Object, error) {
	if versionID == "" {
		return t.store.Get(ctx, key)
	}
	return t.store.GetVersion(ctx, key, versionID)
}

func (t *Tool) restore(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	key, err := resolveKey(params, true)
	if err != nil {
		return nil, err
	}
	versionID := params.String("version_id")
	if versionID == "" {
		return nil, envelope.Validation("restore requires a version_id parameter")
	}
	old, err := t.store.GetVersion(ctx, key, versionID)
	if err != nil {
		return nil, err
	}
	res, err := t.store.Put(ctx, key, old.Content, old.ContentType)
	if err != nil {
		return nil, err
	}
	logger.ContextKV(ctx, xlog.DEBUG, "op", "restore", "key", key, "from_version", versionID)
	return map[string]any{
		"path":             params.String("path"),
		"restored_version": versionID,
		"version_id":       res.VersionID,
		"etag":             res.ETag,
		"size":             len(old.Content),
	}, nil
}

func unifiedDiff(name, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: name,
		ToFile:   name,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func guessContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fallbackSpec() *manifest.ToolSpec {
	no := false
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "File Editor",
		Description: "List, read, create, edit and version text files in scoped storage.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation": {Type: "string", Enum: []any{
					"list", "read", "create", "edit", "append",
					"delete", "versions", "diff", "restore",
				}},
				"scope":        {Type: "string", Enum: []any{ScopeUser, ScopeProject, ScopeDatasource}},
				"project":      {Type: "string"},
				"datasource":   {Type: "string"},
				"path":         {Type: "string"},
				"prefix":       {Type: "string"},
				"max_keys":     {Type: "integer"},
				"content":      {Type: "string"},
				"content_type": {Type: "string"},
				"edits":        {Type: "array", Items: &manifest.Schema{Type: "object"}},
				"dry_run":      {Type: "boolean"},
				"version_id":   {Type: "string"},
				"version_a":    {Type: "string"},
				"version_b":    {Type: "string"},
			},
			Required:             []string{"operation"},
			AdditionalProperties: &no,
		},
	}
}
