package imapmail

import (
	"context"
	"time"
)

// Folder is one mailbox on the server.
type Folder struct {
	Name       string
	Attributes []string
}

// Message is a fetched message summary or full body.
type Message struct {
	UID         uint32
	Subject     string
	From        string
	To          []string
	Date        time.Time
	Flags       []string
	Size        int64
	Body        string
	Attachments []Attachment
}

// Attachment describes one MIME part with a filename.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Content     []byte
}

// Query is the structured search surface. The caller's before date is
// inclusive; the wire translation widens it by one day because IMAP BEFORE is
// exclusive.
type Query struct {
	From    string
	To      string
	Subject string
	Text    string
	Since   time.Time
	Before  time.Time
	Unseen  bool
	Seen    bool
	Flagged bool
}

// Session is one live IMAP connection. Implementations must be closed on
// every exit path; the handler opens one session per operation.
type Session interface {
	// Capabilities returns the server capability list.
	Capabilities() []string
	// ListFolders enumerates mailboxes.
	ListFolders(ctx context.Context) ([]Folder, error)
	// Select opens a folder and returns its message and unseen counts.
	Select(ctx context.Context, folder string) (total, unseen uint32, err error)
	// Search returns matching UIDs in the selected folder.
	Search(ctx context.Context, q *Query) ([]uint32, error)
	// FetchSummaries fetches envelope-level data for the given UIDs.
	FetchSummaries(ctx context.Context, uids []uint32) ([]Message, error)
	// FetchFull fetches one message with its text body and attachment list.
	FetchFull(ctx context.Context, uid uint32, withContent bool) (*Message, error)
	// StoreFlags adds or removes flags on one UID.
	StoreFlags(ctx context.Context, uid uint32, add bool, flags []string) error
	// Move transfers one UID to another folder.
	Move(ctx context.Context, uid uint32, dest string) error
	// Delete flags one UID deleted and expunges it.
	Delete(ctx context.Context, uid uint32) error
	// Close logs out.
	Close() error
}

// Dialer opens a session against one account.
type Dialer func(ctx context.Context, addr, email, password string) (Session, error)
