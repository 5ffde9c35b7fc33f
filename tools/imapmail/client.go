package imapmail

import (
	"bytes"
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// imapSession is the production Session over emersion's imapclient.
type imapSession struct {
	client *imapclient.Client
}

// DialIMAP opens a TLS connection and authenticates. It is the default
// Dialer.
func DialIMAP(_ context.Context, addr, email, password string) (Session, error) {
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "cannot reach IMAP server %s", addr)
	}
	if err := c.Login(email, password).Wait(); err != nil {
		_ = c.Close()
		return nil, envelope.Wrap(envelope.KindAuthentication, err, "IMAP login rejected for %s", email).
			WithHint("check the account email and app password")
	}
	return &imapSession{client: c}, nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return nil
}

func (s *imapSession) Capabilities() []string {
	caps := s.client.Caps()
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, string(c))
	}
	return out
}

func (s *imapSession) ListFolders(_ context.Context) ([]Folder, error) {
	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "LIST failed")
	}
	folders := make([]Folder, 0, len(boxes))
	for _, box := range boxes {
		attrs := make([]string, 0, len(box.Attrs))
		for _, a := range box.Attrs {
			attrs = append(attrs, string(a))
		}
		folders = append(folders, Folder{Name: box.Mailbox, Attributes: attrs})
	}
	return folders, nil
}

func (s *imapSession) Select(_ context.Context, folder string) (uint32, uint32, error) {
	if _, err := s.client.Select(folder, nil).Wait(); err != nil {
		return 0, 0, envelope.Wrap(envelope.KindNotFound, err, "cannot select folder %q", folder).
			WithField("folder", folder)
	}
	status, err := s.client.Status(folder, &imap.StatusOptions{NumMessages: true, NumUnseen: true}).Wait()
	if err != nil {
		return 0, 0, envelope.Wrap(envelope.KindRemote, err, "STATUS failed for folder %q", folder)
	}
	var total, unseen uint32
	if status.NumMessages != nil {
		total = *status.NumMessages
	}
	if status.NumUnseen != nil {
		unseen = *status.NumUnseen
	}
	return total, unseen, nil
}

func (s *imapSession) Search(_ context.Context, q *Query) ([]uint32, error) {
	data, err := s.client.UIDSearch(q.criteria(), nil).Wait()
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "SEARCH failed")
	}
	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// criteria translates the structured query to IMAP search criteria. The
// caller-facing before bound is inclusive; IMAP BEFORE is exclusive, so it is
// widened by one day. The wire format for both dates is DD-MMM-YYYY.
func (q *Query) criteria() *imap.SearchCriteria {
	c := &imap.SearchCriteria{}
	if q.From != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: q.From})
	}
	if q.To != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "To", Value: q.To})
	}
	if q.Subject != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.Text != "" {
		c.Text = append(c.Text, q.Text)
	}
	if !q.Since.IsZero() {
		c.Since = q.Since
	}
	if !q.Before.IsZero() {
		c.Before = q.Before.AddDate(0, 0, 1)
	}
	if q.Unseen {
		c.NotFlag = append(c.NotFlag, imap.FlagSeen)
	}
	if q.Seen {
		c.Flag = append(c.Flag, imap.FlagSeen)
	}
	if q.Flagged {
		c.Flag = append(c.Flag, imap.FlagFlagged)
	}
	return c
}

func (s *imapSession) FetchSummaries(_ context.Context, uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := imap.UIDSet{}
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	bufs, err := s.client.Fetch(set, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}).Collect()
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "FETCH failed")
	}
	messages := make([]Message, 0, len(bufs))
	for _, buf := range bufs {
		messages = append(messages, summaryFromBuffer(buf))
	}
	return messages, nil
}

func (s *imapSession) FetchFull(_ context.Context, uid uint32, withContent bool) (*Message, error) {
	section := &imap.FetchItemBodySection{}
	bufs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, envelope.Wrap(envelope.KindRemote, err, "FETCH failed for uid %d", uid)
	}
	if len(bufs) == 0 {
		return nil, envelope.NotFound("message %d does not exist", uid).WithField("uid", uid)
	}

	msg := summaryFromBuffer(bufs[0])
	raw := bufs[0].FindBodySection(section)
	if len(raw) > 0 {
		body, attachments, err := parseMIME(raw, withContent)
		if err != nil {
			return nil, err
		}
		msg.Body = body
		msg.Attachments = attachments
	}
	return &msg, nil
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) Message {
	msg := Message{
		UID:  uint32(buf.UID),
		Size: buf.RFC822Size,
	}
	for _, f := range buf.Flags {
		msg.Flags = append(msg.Flags, string(f))
	}
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		for _, to := range env.To {
			msg.To = append(msg.To, to.Addr())
		}
	}
	return msg
}

// parseMIME extracts the text body and the attachment list from a raw
// message. Attachment content is loaded only when withContent is set.
func parseMIME(raw []byte, withContent bool) (string, []Attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, errors.Wrap(err, "malformed MIME message")
	}

	var body string
	var attachments []Attachment
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, errors.Wrap(err, "failed to read MIME part")
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := header.ContentType()
			if body == "" && (ct == "text/plain" || ct == "text/html") {
				bs, err := io.ReadAll(part.Body)
				if err != nil {
					return "", nil, errors.Wrap(err, "failed to read message body")
				}
				body = string(bs)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			ct, _, _ := header.ContentType()
			att := Attachment{Filename: filename, ContentType: ct}
			bs, err := io.ReadAll(part.Body)
			if err != nil {
				return "", nil, errors.Wrapf(err, "failed to read attachment %q", filename)
			}
			att.Size = len(bs)
			if withContent {
				att.Content = bs
			}
			attachments = append(attachments, att)
		}
	}
	return body, attachments, nil
}

func (s *imapSession) StoreFlags(_ context.Context, uid uint32, add bool, flags []string) error {
	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}
	_, err := s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     op,
		Flags:  imapFlags,
		Silent: true,
	}, nil).Collect()
	if err != nil {
		return envelope.Wrap(envelope.KindRemote, err, "STORE failed for uid %d", uid)
	}
	return nil
}

func (s *imapSession) Move(_ context.Context, uid uint32, dest string) error {
	if _, err := s.client.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return envelope.Wrap(envelope.KindRemote, err, "MOVE failed for uid %d", uid)
	}
	return nil
}

func (s *imapSession) Delete(ctx context.Context, uid uint32) error {
	if err := s.StoreFlags(ctx, uid, true, []string{string(imap.FlagDeleted)}); err != nil {
		return err
	}
	if _, err := s.client.Expunge().Collect(); err != nil {
		return envelope.Wrap(envelope.KindRemote, err, "EXPUNGE failed")
	}
	return nil
}
