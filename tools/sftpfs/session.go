package sftpfs

import (
	"context"
	"time"
)

// Entry is one remote file or directory.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	Mode    string
	ModTime time.Time
	IsDir   bool
}

// Session is an open SFTP connection. The real implementation wraps
// pkg/sftp; tests substitute an in-memory fake.
type Session interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	Stat(ctx context.Context, path string) (Entry, error)
	Download(ctx context.Context, path string, maxBytes int64) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Close() error
}

// Dialer opens a session against the given host.
type Dialer func(ctx context.Context, cfg ConnConfig) (Session, error)

// ConnConfig carries everything needed to open the connection. KeyPEM and
// Password are alternatives; KeyPEM wins when both are set.
type ConnConfig struct {
	Addr     string
	Username string
	Password string
	KeyPEM   []byte
}
