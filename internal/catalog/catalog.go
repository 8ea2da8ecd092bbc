// Package catalog tracks the files advertised in a session. Only
// metadata lives here; the relay never holds file content.
package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/session"
)

// hashEntryCount is the interleaved length of a complete file hash
// (name, size, owner.id). Records with any other shape are treated as
// corrupted.
const hashEntryCount = 6

// File is one advertised file as seen by a caller.
type File struct {
	Name    string `json:"name"`
	Size    uint64 `json:"size"`
	IsOwner bool   `json:"is_owner"`
}

// NewFile is the metadata supplied when advertising a file.
type NewFile struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// Catalog manages per-session file metadata.
type Catalog struct {
	store    *kv.Store
	recorder *audit.Recorder
	logger   *logrus.Logger
}

// NewCatalog creates a Catalog.
func NewCatalog(store *kv.Store, recorder *audit.Recorder, logger *logrus.Logger) *Catalog {
	return &Catalog{store: store, recorder: recorder, logger: logger}
}

// Add advertises files owned by user. Every name must be new to the
// session; an empty batch is rejected.
func (c *Catalog) Add(ctx context.Context, sessionID string, user *identity.User, files []NewFile) error {
	if len(files) == 0 {
		return apierr.BadRequest("no files provided")
	}

	for _, f := range files {
		taken, err := c.store.SIsMember(ctx, session.FilesKey(sessionID), f.Name)
		if err != nil {
			return err
		}
		if taken {
			return apierr.Conflict(fmt.Sprintf("file %q already exists", f.Name))
		}
	}

	for _, f := range files {
		fields := []string{
			"name", f.Name,
			"size", strconv.FormatUint(f.Size, 10),
			"owner.id", user.ID,
		}
		if err := c.store.HSetMulti(ctx, session.FileKey(sessionID, f.Name), fields, 0); err != nil {
			return err
		}
		if err := c.store.SAdd(ctx, session.FilesKey(sessionID), f.Name, 0); err != nil {
			return err
		}
		c.recorder.Record(ctx, sessionID, user.ID, "file-added", f.Name)
	}

	return nil
}

// List returns every intact file record in the session, projected for
// the caller. Corrupted or partial records are skipped.
func (c *Catalog) List(ctx context.Context, sessionID string, user *identity.User) ([]File, error) {
	names, err := c.store.SMembers(ctx, session.FilesKey(sessionID))
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(names))
	for _, name := range names {
		flat, err := c.store.HGetAll(ctx, session.FileKey(sessionID, name))
		if err != nil {
			return nil, err
		}
		if f, ok := project(flat, user.ID); ok {
			files = append(files, f)
		}
	}
	return files, nil
}

// Get returns one file's metadata projected for the caller.
func (c *Catalog) Get(ctx context.Context, sessionID, name string, user *identity.User) (*File, error) {
	key := session.FileKey(sessionID, name)
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.NotFound("file not found")
	}

	flat, err := c.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	f, intact := project(flat, user.ID)
	if !intact {
		return nil, apierr.NotFound("file not found")
	}
	return &f, nil
}

// Delete removes a file. Only the owner or the session host may do so.
func (c *Catalog) Delete(ctx context.Context, sessionID, name string, user *identity.User) error {
	key := session.FileKey(sessionID, name)
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.NotFound("file not found")
	}

	ownerID, err := c.store.HGet(ctx, key, "owner.id")
	if err != nil {
		return err
	}
	if user.ID != ownerID && !user.IsHost {
		return apierr.Forbidden("you are not allowed to delete this file")
	}

	if err := c.store.Del(ctx, key); err != nil {
		return err
	}
	if err := c.store.SRem(ctx, session.FilesKey(sessionID), name); err != nil {
		return err
	}

	c.recorder.Record(ctx, sessionID, user.ID, "file-deleted", name)
	return nil
}

// OwnedBy lists the file names in the session owned by userID.
func (c *Catalog) OwnedBy(ctx context.Context, sessionID, userID string) ([]string, error) {
	names, err := c.store.SMembers(ctx, session.FilesKey(sessionID))
	if err != nil {
		return nil, err
	}

	var owned []string
	for _, name := range names {
		ownerID, err := c.store.HGet(ctx, session.FileKey(sessionID, name), "owner.id")
		if err != nil {
			continue
		}
		if ownerID == userID {
			owned = append(owned, name)
		}
	}
	return owned, nil
}

func project(flat []string, callerID string) (File, bool) {
	if len(flat) != hashEntryCount {
		return File{}, false
	}
	name, _ := kv.HashField(flat, "name")
	sizeStr, _ := kv.HashField(flat, "size")
	ownerID, _ := kv.HashField(flat, "owner.id")
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		size = 0
	}
	return File{Name: name, Size: size, IsOwner: ownerID == callerID}, true
}
