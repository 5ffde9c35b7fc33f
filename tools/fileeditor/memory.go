package fileeditor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/effective-security/toolbelt/envelope"
	"github.com/google/uuid"
)

// memVersion is one stored version of an object.
type memVersion struct {
	versionID    string
	etag         string
	contentType  string
	content      []byte
	lastModified time.Time
	deleteMarker bool
}

type memObject struct {
	// versions are ordered oldest first; the last entry is current.
	versions []memVersion
}

// MemoryStore is an in-memory versioned ObjectStore with S3 semantics:
// every Put appends a version, Delete appends a delete marker, and Get on a
// key whose latest version is a marker reports not_found.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]*memObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memObject),
		now:     time.Now,
	}
}

func (m *MemoryStore) List(_ context.Context, prefix string, maxKeys int) ([]ObjectInfo, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && m.current(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var objects []ObjectInfo
	prefixSet := map[string]bool{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			prefixSet[prefix+rest[:idx+1]] = true
			continue
		}
		cur := m.current(key)
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(cur.content)),
			ETag:         cur.etag,
			LastModified: cur.lastModified,
		})
		if maxKeys > 0 && len(objects) >= maxKeys {
			break
		}
	}
	prefixes := make([]string, 0, len(prefixSet))
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return objects, prefixes, nil
}

// current returns the latest version if it is not a delete marker.
func (m *MemoryStore) current(key string) *memVersion {
	obj, ok := m.objects[key]
	if !ok || len(obj.versions) == 0 {
		return nil
	}
	latest := &obj.versions[len(obj.versions)-1]
	if latest.deleteMarker {
		return nil
	}
	return latest
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current(key)
	if cur == nil {
		return nil, envelope.NotFound("object %q does not exist", key).WithField("path", key)
	}
	return versionToObject(key, cur), nil
}

func (m *MemoryStore) GetVersion(_ context.Context, key, versionID string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if ok {
		for i := range obj.versions {
			v := &obj.versions[i]
			if v.versionID == versionID && !v.deleteMarker {
				return versionToObject(key, v), nil
			}
		}
	}
	return nil, envelope.NotFound("version %q of object %q does not exist", versionID, key).
		WithField("path", key).
		WithField("version_id", versionID)
}

func (m *MemoryStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current(key)
	if cur == nil {
		return nil, envelope.NotFound("object %q does not exist", key).WithField("path", key)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(cur.content)),
		ETag:         cur.etag,
		LastModified: cur.lastModified,
	}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, content []byte, contentType string) (*PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		obj = &memObject{}
		m.objects[key] = obj
	}
	sum := md5.Sum(content)
	v := memVersion{
		versionID:    uuid.NewString(),
		etag:         `"` + hex.EncodeToString(sum[:]) + `"`,
		contentType:  contentType,
		content:      append([]byte(nil), content...),
		lastModified: m.now(),
	}
	obj.versions = append(obj.versions, v)
	return &PutResult{ETag: v.etag, VersionID: v.versionID}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		obj = &memObject{}
		m.objects[key] = obj
	}
	v := memVersion{
		versionID:    uuid.NewString(),
		lastModified: m.now(),
		deleteMarker: true,
	}
	obj.versions = append(obj.versions, v)
	return v.versionID, nil
}

func (m *MemoryStore) Versions(_ context.Context, key string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok || len(obj.versions) == 0 {
		return nil, envelope.NotFound("object %q does not exist", key).WithField("path", key)
	}
	versions := make([]Version, 0, len(obj.versions))
	for i := range obj.versions {
		v := &obj.versions[i]
		versions = append(versions, Version{
			VersionID:    v.versionID,
			ETag:         v.etag,
			Size:         int64(len(v.content)),
			LastModified: v.lastModified,
			IsLatest:     i == len(obj.versions)-1,
			DeleteMarker: v.deleteMarker,
		})
	}
	sortVersions(versions)
	return versions, nil
}

func versionToObject(key string, v *memVersion) *Object {
	return &Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         int64(len(v.content)),
			ETag:         v.etag,
			LastModified: v.lastModified,
		},
		ContentType: v.contentType,
		VersionID:   v.versionID,
		Content:     append([]byte(nil), v.content...),
	}
}

// sortVersions orders newest first.
func sortVersions(versions []Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].LastModified.After(versions[j].LastModified)
	})
}
