package transfer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/metrics"
	"github.com/kenneth/dragondrop/internal/session"
)

type harness struct {
	mr       *miniredis.Miniredis
	store    *kv.Store
	catalog  *catalog.Catalog
	protocol *Protocol
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := kv.NewStoreWithClient(client, logger)
	tokens, err := identity.NewTokens("test-secret")
	require.NoError(t, err)
	recorder := audit.NewRecorder(store, logger)
	reg := session.NewRegistry(store, tokens, recorder, logger)
	cat := catalog.NewCatalog(store, recorder, logger)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	protocol := NewProtocol(store, cat, reg, recorder, m, logger, 0)
	return &harness{
		mr:       mr,
		store:    store,
		catalog:  cat,
		protocol: protocol,
		metrics:  m,
		logger:   logger,
	}
}

func (h *harness) addFile(t *testing.T, sessionID, name, ownerID string) {
	t.Helper()
	err := h.catalog.Add(context.Background(), sessionID, &identity.User{ID: ownerID},
		[]catalog.NewFile{{Name: name, Size: 10}})
	require.NoError(t, err)
}

func (h *harness) driver(sessionID, userID string, out chan<- Frame) *Driver {
	return NewDriver(h.store, h.catalog, h.metrics, h.logger, sessionID, userID, out, time.Millisecond)
}

func (h *harness) authorize(t *testing.T, requestID string, userIDs ...string) {
	t.Helper()
	for _, uid := range userIDs {
		require.NoError(t, h.store.SAdd(context.Background(), usersKey(requestID), uid, 0))
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestRequestFileNotFound(t *testing.T) {
	h := newHarness(t)

	data := mustJSON(t, RequestFileData{PublicKey: "PKg", Filename: "nope.txt"})
	err := h.protocol.RequestFile(context.Background(), "S1", "guest", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apierr.StatusOf(err))
}

func TestRequestOwnFileRejected(t *testing.T) {
	h := newHarness(t)
	h.addFile(t, "S1", "a.txt", "host")

	data := mustJSON(t, RequestFileData{PublicKey: "PKh", Filename: "a.txt"})
	err := h.protocol.RequestFile(context.Background(), "S1", "host", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
	assert.Contains(t, apierr.MessageOf(err), "own file")
}

func TestRequestFileDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFile(t, "S1", "a.txt", "host")

	// The receiver already has a transfer in its queue.
	require.NoError(t, h.store.SAdd(ctx, receiverQueueKey("guest"), "some-rid", 0))

	data := mustJSON(t, RequestFileData{PublicKey: "PKg", Filename: "a.txt"})
	err := h.protocol.RequestFile(ctx, "S1", "guest", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))
}

func TestRequestFileWritesPendingState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFile(t, "S1", "a.txt", "host")

	data := mustJSON(t, RequestFileData{PublicKey: "PKg", Filename: "a.txt"})
	require.NoError(t, h.protocol.RequestFile(ctx, "S1", "guest", data))

	pending, err := h.store.SIsMember(ctx, pendingFilesKey("S1"), "a.txt")
	require.NoError(t, err)
	assert.True(t, pending)

	requesters, err := h.store.SMembers(ctx, pendingRequestersKey("S1", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"guest"}, requesters)

	pk, err := h.store.Get(ctx, pendingKeyKey("S1", "a.txt", "guest"))
	require.NoError(t, err)
	assert.Equal(t, "PKg", pk)
}

func TestRequestFileMalformedData(t *testing.T) {
	h := newHarness(t)

	err := h.protocol.RequestFile(context.Background(), "S1", "guest", "{not json")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
}

func TestAcknowledgeWritesPrep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := mustJSON(t, AcknowledgeRequestData{
		RequestID:      "R1",
		PublicKey:      "PKh",
		AmountOfChunks: 2,
		Filename:       "a.txt",
	})
	require.NoError(t, h.protocol.Acknowledge(ctx, data))

	flat, err := h.store.HGetAll(ctx, prepKey("R1"))
	require.NoError(t, err)
	require.Len(t, flat, 6)

	filename, _ := kv.HashField(flat, "filename")
	assert.Equal(t, "a.txt", filename)
	pk, _ := kv.HashField(flat, "public.key")
	assert.Equal(t, "PKh", pk)
	amount, _ := kv.HashField(flat, "amount.of.chunks")
	assert.Equal(t, "2", amount)
}

func TestReadyRequiresParticipant(t *testing.T) {
	h := newHarness(t)

	data := mustJSON(t, ReadyData{RequestID: "R1"})
	err := h.protocol.Ready(context.Background(), "stranger", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apierr.StatusOf(err))
}

func TestReadySetsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "guest", "host")

	data := mustJSON(t, ReadyData{RequestID: "R1"})
	require.NoError(t, h.protocol.Ready(ctx, "guest", data))

	curr, err := h.store.Get(ctx, chunkCurrKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "1", curr)
}

func TestAddChunkSizeCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "1", 0))

	// Exactly at the ceiling passes.
	atMax := strings.Repeat("x", 70000)
	data := mustJSON(t, AddChunkRequestData{RequestID: "R1", ChunkNr: 1, Chunk: atMax, IV: "iv"})
	require.NoError(t, h.protocol.AddChunk(ctx, "host", data))

	// One byte over fails.
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "1", 0))
	overMax := strings.Repeat("x", 70001)
	data = mustJSON(t, AddChunkRequestData{RequestID: "R1", ChunkNr: 1, Chunk: overMax, IV: "iv"})
	err := h.protocol.AddChunk(ctx, "host", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
}

func TestAddChunkWithoutOutstandingRequest(t *testing.T) {
	h := newHarness(t)
	h.authorize(t, "R1", "host", "guest")

	data := mustJSON(t, AddChunkRequestData{RequestID: "R1", ChunkNr: 1, Chunk: "c1", IV: "iv"})
	err := h.protocol.AddChunk(context.Background(), "host", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
}

func TestAddChunkStaleNumberRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")

	// Streaming is at chunk 2; a late chunk 1 must be refused.
	require.NoError(t, h.store.Set(ctx, chunkCurrKey("R1"), "2", 0))
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "2", 0))

	data := mustJSON(t, AddChunkRequestData{RequestID: "R1", ChunkNr: 1, Chunk: "c1", IV: "iv"})
	err := h.protocol.AddChunk(ctx, "host", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))

	curr, err := h.store.Get(ctx, chunkCurrKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "2", curr)
}

func TestAddChunkStoresPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "2", 0))

	data := mustJSON(t, AddChunkRequestData{
		RequestID: "R1", IsLastChunk: true, ChunkNr: 2, Chunk: "c2", IV: "iv2",
	})
	require.NoError(t, h.protocol.AddChunk(ctx, "host", data))

	payload, err := h.store.Get(ctx, chunkKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "2@iv2@c2", payload)

	isLast, err := h.store.Get(ctx, chunkIsLastKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "true", isLast)
}

func TestReceivedChunkMismatchKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")
	require.NoError(t, h.store.Set(ctx, chunkCurrKey("R1"), "2", 0))
	require.NoError(t, h.store.Set(ctx, chunkSentKey("R1"), "2", 0))

	data := mustJSON(t, ReceivedChunkData{RequestID: "R1", ChunkNr: 1})
	err := h.protocol.ReceivedChunk(ctx, "S1", "guest", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))

	curr, err := h.store.Get(ctx, chunkCurrKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "2", curr)
}

func TestReceivedChunkWithoutSent(t *testing.T) {
	h := newHarness(t)
	h.authorize(t, "R1", "host", "guest")

	data := mustJSON(t, ReceivedChunkData{RequestID: "R1", ChunkNr: 1})
	err := h.protocol.ReceivedChunk(context.Background(), "S1", "guest", data)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))
}

func TestReceivedChunkAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")
	require.NoError(t, h.store.Set(ctx, chunkCurrKey("R1"), "1", 0))
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "1", 0))
	require.NoError(t, h.store.Set(ctx, chunkKey("R1"), "1@iv1@c1", 0))
	require.NoError(t, h.store.Set(ctx, chunkSentKey("R1"), "1", 0))

	data := mustJSON(t, ReceivedChunkData{RequestID: "R1", ChunkNr: 1})
	require.NoError(t, h.protocol.ReceivedChunk(ctx, "S1", "guest", data))

	curr, err := h.store.Get(ctx, chunkCurrKey("R1"))
	require.NoError(t, err)
	assert.Equal(t, "2", curr)

	for _, key := range []string{chunkSentKey("R1"), chunkKey("R1"), chunkReqKey("R1")} {
		ok, err := h.store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "key %s should be cleared", key)
	}
}

func TestReceivedLastChunkTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")
	require.NoError(t, h.store.SAdd(ctx, senderQueueKey("host"), "R1", 0))
	require.NoError(t, h.store.SAdd(ctx, receiverQueueKey("guest"), "R1", 0))
	// An unrelated transfer must survive the teardown.
	require.NoError(t, h.store.SAdd(ctx, senderQueueKey("host"), "R2", 0))

	require.NoError(t, h.store.Set(ctx, chunkCurrKey("R1"), "2", 0))
	require.NoError(t, h.store.Set(ctx, chunkReqKey("R1"), "2", 0))
	require.NoError(t, h.store.Set(ctx, chunkKey("R1"), "2@iv2@c2", 0))
	require.NoError(t, h.store.Set(ctx, chunkSentKey("R1"), "2", 0))
	require.NoError(t, h.store.Set(ctx, chunkIsLastKey("R1"), "true", 0))

	data := mustJSON(t, ReceivedChunkData{RequestID: "R1", ChunkNr: 2})
	require.NoError(t, h.protocol.ReceivedChunk(ctx, "S1", "guest", data))

	for _, key := range []string{
		chunkCurrKey("R1"), chunkReqKey("R1"), chunkKey("R1"),
		chunkSentKey("R1"), chunkIsLastKey("R1"), usersKey("R1"),
	} {
		ok, err := h.store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "key %s should be gone", key)
	}

	inQueue, err := h.store.SIsMember(ctx, receiverQueueKey("guest"), "R1")
	require.NoError(t, err)
	assert.False(t, inQueue)

	other, err := h.store.SIsMember(ctx, senderQueueKey("host"), "R2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestCommandsRequireParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t, "R1", "host", "guest")

	addChunk := mustJSON(t, AddChunkRequestData{RequestID: "R1", ChunkNr: 1, Chunk: "c", IV: "iv"})
	err := h.protocol.AddChunk(ctx, "stranger", addChunk)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apierr.StatusOf(err))

	received := mustJSON(t, ReceivedChunkData{RequestID: "R1", ChunkNr: 1})
	err = h.protocol.ReceivedChunk(ctx, "S1", "stranger", received)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apierr.StatusOf(err))
}
