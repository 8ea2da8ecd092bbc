package catalog

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/session"
)

func newTestCatalog(t *testing.T) (*Catalog, *kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := kv.NewStoreWithClient(client, logger)
	recorder := audit.NewRecorder(store, logger)
	return NewCatalog(store, recorder, logger), store, mr
}

var (
	owner = &identity.User{ID: "owner-1"}
	guest = &identity.User{ID: "guest-1"}
	host  = &identity.User{ID: "host-1", IsHost: true}
)

func TestAddAndList(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ctx := context.Background()

	err := cat.Add(ctx, "S1", owner, []NewFile{
		{Name: "a.txt", Size: 10},
		{Name: "b.txt", Size: 20},
	})
	require.NoError(t, err)

	files, err := cat.List(ctx, "S1", owner)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, f.IsOwner)
	}

	files, err = cat.List(ctx, "S1", guest)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, f.IsOwner)
	}
}

func TestAddEmptyBatch(t *testing.T) {
	cat, _, _ := newTestCatalog(t)

	err := cat.Add(context.Background(), "S1", owner, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
}

func TestAddDuplicateName(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))

	err := cat.Add(ctx, "S1", guest, []NewFile{{Name: "a.txt", Size: 99}})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))
}

func TestGetFile(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))

	f, err := cat.Get(ctx, "S1", "a.txt", owner)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Name)
	assert.Equal(t, uint64(10), f.Size)
	assert.True(t, f.IsOwner)

	_, err = cat.Get(ctx, "S1", "missing.txt", owner)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apierr.StatusOf(err))
}

func TestListSkipsCorruptedRecords(t *testing.T) {
	cat, store, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))

	// A partial record: indexed but missing fields.
	require.NoError(t, store.SAdd(ctx, session.FilesKey("S1"), "broken.txt", 0))
	require.NoError(t, store.HSetMulti(ctx, session.FileKey("S1", "broken.txt"),
		[]string{"name", "broken.txt"}, 0))

	files, err := cat.List(ctx, "S1", owner)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Name)
}

func TestDeleteFilePermissions(t *testing.T) {
	cat, store, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))

	// A non-owning guest may not delete.
	err := cat.Delete(ctx, "S1", "a.txt", guest)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apierr.StatusOf(err))

	// The host may delete anyone's file.
	require.NoError(t, cat.Delete(ctx, "S1", "a.txt", host))

	ok, err := store.Exists(ctx, session.FileKey("S1", "a.txt"))
	require.NoError(t, err)
	assert.False(t, ok)

	member, err := store.SIsMember(ctx, session.FilesKey("S1"), "a.txt")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestDeleteOwnFile(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))
	require.NoError(t, cat.Delete(ctx, "S1", "a.txt", owner))

	_, err := cat.Get(ctx, "S1", "a.txt", owner)
	assert.Error(t, err)
}

func TestDeleteMissingFile(t *testing.T) {
	cat, _, _ := newTestCatalog(t)

	err := cat.Delete(context.Background(), "S1", "nope.txt", owner)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apierr.StatusOf(err))
}

func TestOwnedBy(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, "S1", owner, []NewFile{{Name: "a.txt", Size: 10}}))
	require.NoError(t, cat.Add(ctx, "S1", guest, []NewFile{{Name: "b.txt", Size: 20}}))

	owned, err := cat.OwnedBy(ctx, "S1", owner.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, owned)

	owned, err = cat.OwnedBy(ctx, "S1", "nobody")
	require.NoError(t, err)
	assert.Empty(t, owned)
}
