package fileeditor

import (
	"context"
	"time"
)

// ObjectInfo is the metadata for one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Object is a fetched object with its content and version identity.
type Object struct {
	ObjectInfo
	ContentType string
	VersionID   string
	Content     []byte
}

// Version describes one historical version of an object.
type Version struct {
	VersionID    string
	ETag         string
	Size         int64
	LastModified time.Time
	IsLatest     bool
	DeleteMarker bool
}

// PutResult identifies the version a write produced.
type PutResult struct {
	ETag      string
	VersionID string
}

// ObjectStore is the narrow versioned-store surface the editor needs. The S3
// implementation is the production backend; the in-memory implementation
// backs tests and local runs.
type ObjectStore interface {
	// List enumerates objects and common prefixes under a prefix.
	List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, []string, error)
	// Get fetches the current version of an object.
	Get(ctx context.Context, key string) (*Object, error)
	// GetVersion fetches one historical version.
	GetVersion(ctx context.Context, key, versionID string) (*Object, error)
	// Head fetches current metadata without the content.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// Put writes a new version and returns its identity.
	Put(ctx context.Context, key string, content []byte, contentType string) (*PutResult, error)
	// Delete places a delete marker; history stays recoverable.
	Delete(ctx context.Context, key string) (markerVersionID string, err error)
	// Versions lists the version history, newest first.
	Versions(ctx context.Context, key string) ([]Version, error)
}
