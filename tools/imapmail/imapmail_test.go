package imapmail_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/effective-security/toolbelt/chroot"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/tools/imapmail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory IMAP account with one folder namespace.
type fakeSession struct {
	folders  map[string][]imapmail.Message
	selected string
	closed   bool
	dialAddr string
}

func (f *fakeSession) Capabilities() []string { return []string{"IMAP4rev1", "IDLE"} }

func (f *fakeSession) ListFolders(context.Context) ([]imapmail.Folder, error) {
	out := make([]imapmail.Folder, 0, len(f.folders))
	for name := range f.folders {
		out = append(out, imapmail.Folder{Name: name})
	}
	return out, nil
}

func (f *fakeSession) Select(_ context.Context, folder string) (uint32, uint32, error) {
	msgs, ok := f.folders[folder]
	if !ok {
		return 0, 0, envelope.NotFound("cannot select folder %q", folder)
	}
	f.selected = folder
	var unseen uint32
	for _, m := range msgs {
		if !hasFlag(m.Flags, `\Seen`) {
			unseen++
		}
	}
	return uint32(len(msgs)), unseen, nil
}

func (f *fakeSession) Search(_ context.Context, q *imapmail.Query) ([]uint32, error) {
	var uids []uint32
	for _, m := range f.folders[f.selected] {
		if q.Unseen && hasFlag(m.Flags, `\Seen`) {
			continue
		}
		if q.From != "" && m.From != q.From {
			continue
		}
		if !q.Since.IsZero() && m.Date.Before(q.Since) {
			continue
		}
		// inclusive upper bound
		if !q.Before.IsZero() && m.Date.After(q.Before.AddDate(0, 0, 1).Add(-time.Second)) {
			continue
		}
		uids = append(uids, m.UID)
	}
	return uids, nil
}

func (f *fakeSession) FetchSummaries(_ context.Context, uids []uint32) ([]imapmail.Message, error) {
	var out []imapmail.Message
	for _, uid := range uids {
		if m := f.find(uid); m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchFull(_ context.Context, uid uint32, _ bool) (*imapmail.Message, error) {
	if m := f.find(uid); m != nil {
		return m, nil
	}
	return nil, envelope.NotFound("message %d does not exist", uid)
}

func (f *fakeSession) StoreFlags(_ context.Context, uid uint32, add bool, flags []string) error {
	m := f.find(uid)
	if m == nil {
		return envelope.NotFound("message %d does not exist", uid)
	}
	for _, flag := range flags {
		if add && !hasFlag(m.Flags, flag) {
			m.Flags = append(m.Flags, flag)
		}
		if !add {
			m.Flags = removeFlag(m.Flags, flag)
		}
	}
	return nil
}

func (f *fakeSession) Move(_ context.Context, uid uint32, dest string) error {
	m := f.find(uid)
	if m == nil {
		return envelope.NotFound("message %d does not exist", uid)
	}
	if _, ok := f.folders[dest]; !ok {
		return envelope.NotFound("folder %q does not exist", dest)
	}
	f.remove(uid)
	f.folders[dest] = append(f.folders[dest], *m)
	return nil
}

func (f *fakeSession) Delete(_ context.Context, uid uint32) error {
	if f.find(uid) == nil {
		return envelope.NotFound("message %d does not exist", uid)
	}
	f.remove(uid)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) find(uid uint32) *imapmail.Message {
	msgs := f.folders[f.selected]
	for i := range msgs {
		if msgs[i].UID == uid {
			return &msgs[i]
		}
	}
	return nil
}

func (f *fakeSession) remove(uid uint32) {
	msgs := f.folders[f.selected]
	for i := range msgs {
		if msgs[i].UID == uid {
			f.folders[f.selected] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func removeFlag(flags []string, flag string) []string {
	out := flags[:0]
	for _, f := range flags {
		if f != flag {
			out = append(out, f)
		}
	}
	return out
}

func gmailFixture() *fakeSession {
	day := func(d int) time.Time { return time.Date(2025, 6, d, 10, 0, 0, 0, time.UTC) }
	return &fakeSession{
		folders: map[string][]imapmail.Message{
			"INBOX": {
				{UID: 101, Subject: "first", From: "a@example.com", Date: day(1)},
				{UID: 102, Subject: "second", From: "b@example.com", Date: day(2), Flags: []string{`\Seen`}},
				{UID: 103, Subject: "third", From: "a@example.com", Date: day(3)},
			},
			"[Gmail]/Trash": {},
		},
	}
}

func newTool(t *testing.T, session *fakeSession) *imapmail.Tool {
	t.Helper()
	t.Setenv("IMAP_GMAIL_EMAIL", "user@gmail.com")
	t.Setenv("IMAP_GMAIL_PASSWORD", "app-password")

	files, err := chroot.New(filepath.Join(t.TempDir(), chroot.Files))
	require.NoError(t, err)

	return imapmail.New(creds.NewResolver(), files).
		WithDialer(func(_ context.Context, addr, email, password string) (imapmail.Session, error) {
			session.dialAddr = addr
			return session, nil
		})
}

func runOp(t *testing.T, tool *imapmail.Tool, op string, params dispatch.Params) map[string]any {
	t.Helper()
	out, err := tool.Run(context.Background(), op, params)
	require.NoError(t, err)
	return out
}

func Test_Connect(t *testing.T) {
	session := gmailFixture()
	tool := newTool(t, session)

	out := runOp(t, tool, "connect", dispatch.Params{})
	assert.Equal(t, true, out["connected"])
	assert.Equal(t, 2, out["folder_count"])
	assert.Contains(t, out["capabilities"], "IMAP4rev1")
	assert.True(t, session.closed, "session must be logged out")
	assert.Equal(t, "imap.gmail.com:993", session.dialAddr)
}

func Test_MissingCredential(t *testing.T) {
	files, err := chroot.New(filepath.Join(t.TempDir(), chroot.Files))
	require.NoError(t, err)
	t.Setenv("IMAP_GMAIL_EMAIL", "")

	tool := imapmail.New(creds.NewResolver(), files)
	_, err = tool.Run(context.Background(), "connect", dispatch.Params{})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindAuthentication, e.Kind)
	assert.Contains(t, e.Hint, "IMAP_GMAIL_EMAIL")
}

func Test_ListMessages(t *testing.T) {
	tool := newTool(t, gmailFixture())

	out := runOp(t, tool, "list_messages", dispatch.Params{"limit": float64(2)})
	assert.Equal(t, "INBOX", out["folder"])
	assert.Equal(t, 3, out["total"])
	assert.Equal(t, 2, out["unseen"])
	messages := out["messages"].([]any)
	require.Len(t, messages, 2)
	// limit keeps the newest UIDs
	assert.Equal(t, 102, messages[0].(map[string]any)["uid"])
	assert.Equal(t, 103, messages[1].(map[string]any)["uid"])
}

func Test_FolderAlias(t *testing.T) {
	session := gmailFixture()
	tool := newTool(t, session)

	out := runOp(t, tool, "list_messages", dispatch.Params{"folder": "trash"})
	assert.Equal(t, "[Gmail]/Trash", out["folder"])

	// unknown aliases pass through unchanged
	_, err := tool.Run(context.Background(), "list_messages", dispatch.Params{"folder": "Exact/Name"})
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.Classify(err).Kind)
}

func Test_SearchDateRange(t *testing.T) {
	tool := newTool(t, gmailFixture())

	// since == before selects that single day, inclusive on both ends
	out := runOp(t, tool, "search", dispatch.Params{"since": "2025-06-02", "before": "2025-06-02"})
	assert.Equal(t, 1, out["matched"])
	messages := out["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, 102, messages[0].(map[string]any)["uid"])

	out = runOp(t, tool, "search", dispatch.Params{"from": "a@example.com"})
	assert.Equal(t, 2, out["matched"])

	_, err := tool.Run(context.Background(), "search", dispatch.Params{"since": "02/06/2025"})
	require.Error(t, err)
	assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
}

func Test_MarkReadBatchPartialFailure(t *testing.T) {
	session := gmailFixture()
	session.folders["INBOX"] = session.folders["INBOX"][1:2] // only 102 exists
	tool := newTool(t, session)

	out := runOp(t, tool, "mark_read", dispatch.Params{
		"message_ids": []any{"101", "102", "103"},
	})
	assert.Equal(t, []any{"102"}, out["updated"])
	failed := out["failed"].([]any)
	require.Len(t, failed, 2)
	assert.Equal(t, "101", failed[0].(map[string]any)["id"])
	assert.Equal(t, "103", failed[1].(map[string]any)["id"])
	assert.Equal(t, false, out["all_updated"])
}

func Test_MarkReadBatchAllFailed(t *testing.T) {
	session := gmailFixture()
	session.folders["INBOX"] = nil
	tool := newTool(t, session)

	_, err := tool.Run(context.Background(), "mark_read", dispatch.Params{
		"message_ids": []any{"101", "103"},
	})
	require.Error(t, err, "a batch in which nothing succeeded is not a success")
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindNotFound, e.Kind)
	assert.Contains(t, e.Error(), "all 2 failed")
}

func Test_MarkReadThenGetMessage(t *testing.T) {
	session := gmailFixture()
	tool := newTool(t, session)

	runOp(t, tool, "mark_read", dispatch.Params{"message_ids": []any{"101"}})
	out := runOp(t, tool, "get_message", dispatch.Params{"uid": float64(101)})
	assert.Contains(t, out["flags"], `\Seen`)
}

func Test_MoveBatch(t *testing.T) {
	session := gmailFixture()
	tool := newTool(t, session)

	out := runOp(t, tool, "move", dispatch.Params{
		"message_ids": []any{"101"},
		"destination": "trash",
	})
	assert.Equal(t, "[Gmail]/Trash", out["destination"])
	assert.Equal(t, []any{"101"}, out["updated"])
	assert.Len(t, session.folders["[Gmail]/Trash"], 1)
}

func Test_DeleteBatch(t *testing.T) {
	session := gmailFixture()
	tool := newTool(t, session)

	out := runOp(t, tool, "delete", dispatch.Params{"message_ids": []any{"101", "999"}})
	assert.Equal(t, []any{"101"}, out["updated"])
	assert.Len(t, out["failed"], 1)
	assert.Len(t, session.folders["INBOX"], 2)
}

func Test_DownloadAttachment(t *testing.T) {
	session := gmailFixture()
	session.folders["INBOX"][0].Attachments = []imapmail.Attachment{{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Content:     []byte("%PDF"),
	}}
	tool := newTool(t, session)

	out := runOp(t, tool, "download_attachment", dispatch.Params{"uid": float64(101)})
	assert.Equal(t, "report.pdf", out["filename"])

	bs, err := os.ReadFile(out["path"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), bs)
}
