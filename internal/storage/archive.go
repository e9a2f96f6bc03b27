package storage

import (
	"context"
	"path"
	"strings"

	"github.com/timmy/harvest/internal/domain"
)

// ArchiveKeyExtra is the object extra holding the archive key of its
// fetched payload.
const ArchiveKeyExtra = "archive_key"

// Archive copies fetched payloads into object storage, one blob per
// harvest object.
type Archive struct {
	store  ObjectStorage
	prefix string
}

// NewArchive wraps store. Keys are written under prefix.
func NewArchive(store ObjectStorage, prefix string) *Archive {
	return &Archive{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the blob key for obj.
func (a *Archive) Key(obj *domain.HarvestObject) string {
	return path.Join(a.prefix, obj.SourceID, obj.JobID, obj.ID+".json")
}

// Put uploads the object's content and records the key as an extra on obj.
// Objects without content are skipped.
// Parameters:
//   - ctx: request context.
//   - obj: fetched harvest object.
// Returns:
//   - string: blob key, "" when nothing was stored.
//   - error: non-nil if the upload fails.
func (a *Archive) Put(ctx context.Context, obj *domain.HarvestObject) (string, error) {
	content := obj.ContentString()
	if content == "" {
		return "", nil
	}
	key := a.Key(obj)
	if err := a.store.Upload(ctx, key, strings.NewReader(content), int64(len(content)), "application/json"); err != nil {
		return "", err
	}
	obj.SetExtra(ArchiveKeyExtra, key)
	return key, nil
}

// URL returns where the archived payload of obj can be downloaded, or ""
// when it was never archived.
func (a *Archive) URL(obj *domain.HarvestObject) string {
	key, ok := obj.Extra(ArchiveKeyExtra)
	if !ok {
		return ""
	}
	return a.store.GetURL(key)
}
