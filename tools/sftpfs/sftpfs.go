// Package sftpfs exposes remote filesystems over SSH/SFTP. Connection
// settings come from SFTP_* environment variables; authentication uses a
// private key file when configured, a password otherwise. Downloads land in
// the local files chroot, never at caller-chosen paths.
package sftpfs

import (
	"context"
	"encoding/base64"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/chroot"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "sftpfs")

// ToolName is the registry name.
const ToolName = "sftp_files"

const (
	maxDownloadBytes = int64(10 << 20)
	maxUploadBytes   = 10 << 20
)

// Tool is the SFTP handler.
type Tool struct {
	dial    Dialer
	files   *chroot.Root
	specDir string
}

// New builds the handler; downloads are written under files.
func New(files *chroot.Root) *Tool {
	return &Tool{
		dial:    dialSFTP,
		files:   files,
		specDir: "tool_specs",
	}
}

// WithDialer replaces the session dialer, for tests.
func (t *Tool) WithDialer(dial Dialer) *Tool {
	t.dial = dial
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
	return []string{"list", "stat", "download", "upload", "delete"}
}

func (t *Tool) DefaultOperation() string { return "list" }

func (t *Tool) Credentials(string) []creds.Profile {
	return []creds.Profile{{
		Tool: "SFTP",
		Fields: []creds.Field{
			creds.Setting("host"),
			creds.OptionalSetting("port"),
			creds.Setting("username"),
			creds.OptionalSecret("password"),
			creds.OptionalSetting("key_file"),
		},
	}}
}

func (t *Tool) OutputCaps(op string) governor.Caps {
	if op == "list" {
		return governor.DefaultCaps("entries")
	}
	return governor.DefaultCaps("")
}

// Deadline allows large transfers over slow links.
func (t *Tool) Deadline(op string) time.Duration {
	switch op {
	case "download", "upload":
		return 2 * time.Minute
	}
	return 30 * time.Second
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	cfg, err := connConfig(ctx)
	if err != nil {
		return nil, err
	}
	session, err := t.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "session close failed", "err", err.Error())
		}
	}()

	switch op {
	case "list":
		return t.list(ctx, session, params)
	case "stat":
		return t.stat(ctx, session, params)
	case "download":
		return t.download(ctx, session, params)
	case "upload":
		return t.upload(ctx, session, params)
	case "delete":
		return t.delete(ctx, session, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

// connConfig builds the connection settings from the injected credentials,
// reading the key file when one is configured.
func connConfig(ctx context.Context) (ConnConfig, error) {
	res := creds.FromContext(ctx)
	addr := res["host"]
	if port := res["port"]; port != "" {
		addr += ":" + port
	} else {
		addr += ":22"
	}
	cfg := ConnConfig{
		Addr:     addr,
		Username: res["username"],
		Password: res["password"],
	}
	if keyFile := res["key_file"]; keyFile != "" {
		pem, err := readKeyFile(keyFile)
		if err != nil {
			return ConnConfig{}, err
		}
		cfg.KeyPEM = pem
	}
	if len(cfg.KeyPEM) == 0 && cfg.Password == "" {
		return ConnConfig{}, envelope.New(envelope.KindAuthentication, "no SSH credential configured").
			WithHint("set SFTP_PASSWORD or SFTP_KEY_FILE")
	}
	return cfg, nil
}

func (t *Tool) list(ctx context.Context, session Session, params dispatch.Params) (map[string]any, error) {
	dir, err := remotePath(params.StringOr("path", "."))
	if err != nil {
		return nil, err
	}
	entries, err := session.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryPayload(e))
	}
	return map[string]any{
		"path":    dir,
		"entries": items,
		"count":   len(items),
	}, nil
}

func (t *Tool) stat(ctx context.Context, session Session, params dispatch.Params) (map[string]any, error) {
	p, err := requiredPath(params)
	if err != nil {
		return nil, err
	}
	entry, err := session.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	return entryPayload(entry), nil
}

func (t *Tool) download(ctx context.Context, session Session, params dispatch.Params) (map[string]any, error) {
	p, err := requiredPath(params)
	if err != nil {
		return nil, err
	}
	data, err := session.Download(ctx, p, maxDownloadBytes)
	if err != nil {
		return nil, err
	}

	local, err := t.files.WriteFile(path.Join("sftp", path.Base(p)), data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"remote_path": p,
		"local_path":  local,
		"size":        len(data),
	}, nil
}

func (t *Tool) upload(ctx context.Context, session Session, params dispatch.Params) (map[string]any, error) {
	p, err := requiredPath(params)
	if err != nil {
		return nil, err
	}
	data, err := uploadContent(t.files, params)
	if err != nil {
		return nil, err
	}
	if len(data) > maxUploadBytes {
		return nil, envelope.Validation("content exceeds the %d byte upload ceiling", maxUploadBytes)
	}

	if err := session.Upload(ctx, p, data); err != nil {
		return nil, err
	}
	return map[string]any{
		"remote_path": p,
		"size":        len(data),
		"uploaded":    true,
	}, nil
}

func (t *Tool) delete(ctx context.Context, session Session, params dispatch.Params) (map[string]any, error) {
	p, err := requiredPath(params)
	if err != nil {
		return nil, err
	}
	if err := session.Delete(ctx, p); err != nil {
		return nil, err
	}
	return map[string]any{
		"remote_path": p,
		"deleted":     true,
	}, nil
}

// uploadContent accepts inline text, inline base64 or a file from the local
// chroot, exactly one of them.
func uploadContent(files *chroot.Root, params dispatch.Params) ([]byte, error) {
	set := 0
	for _, key := range []string{"content", "content_base64", "local_path"} {
		if params.Has(key) {
			set++
		}
	}
	if set != 1 {
		return nil, envelope.Validation("provide exactly one of content, content_base64 or local_path")
	}

	switch {
	case params.Has("content"):
		return []byte(params.String("content")), nil
	case params.Has("content_base64"):
		data, err := base64.StdEncoding.DecodeString(params.String("content_base64"))
		if err != nil {
			return nil, envelope.Validation("content_base64 is not valid base64").
				WithCause(errors.WithStack(err))
		}
		return data, nil
	default:
		return files.ReadFile(params.String("local_path"))
	}
}

func requiredPath(params dispatch.Params) (string, error) {
	return remotePath(params.String("path"))
}

// remotePath normalizes a caller path; empty and parent-escaping paths are
// rejected before any remote round trip.
func remotePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", envelope.Validation("path is required")
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", envelope.Validation("path %q escapes the remote root", p)
	}
	return cleaned, nil
}

func entryPayload(e Entry) map[string]any {
	return map[string]any{
		"name":     e.Name,
		"path":     e.Path,
		"size":     e.Size,
		"mode":     e.Mode,
		"modified": e.ModTime.UTC().Format(time.RFC3339),
		"is_dir":   e.IsDir,
	}
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "SFTP Files",
		Description: "Browse and transfer files on a remote host over SSH/SFTP.",
		Parameters: &manifest.Schema{
			Type: "object",
			Properties: map[string]*manifest.Schema{
				"operation":      {Type: "string", Enum: []any{"list", "stat", "download", "upload", "delete"}},
				"path":           {Type: "string"},
				"content":        {Type: "string"},
				"content_base64": {Type: "string"},
				"local_path":     {Type: "string"},
			},
			Required: []string{"operation"},
		},
	}
}
