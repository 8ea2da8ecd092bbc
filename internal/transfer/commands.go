package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/metrics"
	"github.com/kenneth/dragondrop/internal/session"
)

// Protocol implements the request-line commands. All transfer state
// lives in the store; Protocol itself is stateless and safe for
// concurrent use across connections.
type Protocol struct {
	store        *kv.Store
	catalog      *catalog.Catalog
	sessions     *session.Registry
	recorder     *audit.Recorder
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	maxChunkSize int
}

// NewProtocol creates a Protocol. maxChunkSize bounds the chunk field
// of add-chunk; 0 picks the default ceiling of 70000 bytes.
func NewProtocol(store *kv.Store, cat *catalog.Catalog, sessions *session.Registry, recorder *audit.Recorder, m *metrics.Metrics, logger *logrus.Logger, maxChunkSize int) *Protocol {
	if maxChunkSize <= 0 {
		maxChunkSize = 70000
	}
	return &Protocol{
		store:        store,
		catalog:      cat,
		sessions:     sessions,
		recorder:     recorder,
		metrics:      m,
		logger:       logger,
		maxChunkSize: maxChunkSize,
	}
}

func decode[T any](data string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, apierr.BadRequest("wrong data format")
	}
	return v, nil
}

// requireParticipant fails unless userID is one of the two endpoints
// authorized for the transfer.
func (p *Protocol) requireParticipant(ctx context.Context, requestID, userID string) error {
	ok, err := p.store.SIsMember(ctx, usersKey(requestID), userID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.Unauthorized("user not in file request")
	}
	return nil
}

// RequestFileData is the request-file payload.
type RequestFileData struct {
	PublicKey string `json:"public_key"`
	Filename  string `json:"filename"`
}

// RequestFile registers the caller's interest in a file it does not
// own. It is refused while the caller's receiver queue already holds a
// transfer; requests not yet acknowledged by the sender's driver do not
// count.
func (p *Protocol) RequestFile(ctx context.Context, sessionID, userID, data string) error {
	req, err := decode[RequestFileData](data)
	if err != nil {
		return err
	}

	exists, err := p.store.SIsMember(ctx, session.FilesKey(sessionID), req.Filename)
	if err != nil {
		return err
	}
	if !exists {
		return apierr.NotFound("file not found")
	}

	ownerID, err := p.store.HGet(ctx, session.FileKey(sessionID, req.Filename), "owner.id")
	if err != nil {
		return err
	}
	if ownerID == userID {
		return apierr.BadRequest("cannot request own file")
	}

	outstanding, err := p.store.SMembers(ctx, receiverQueueKey(userID))
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return apierr.Conflict("you have already requested a file")
	}

	if err := p.store.SAdd(ctx, pendingFilesKey(sessionID), req.Filename, 0); err != nil {
		return err
	}
	if err := p.store.SAdd(ctx, pendingRequestersKey(sessionID, req.Filename), userID, 0); err != nil {
		return err
	}
	if err := p.store.Set(ctx, pendingKeyKey(sessionID, req.Filename, userID), req.PublicKey, 0); err != nil {
		return err
	}

	p.sessions.Prolong(ctx, sessionID)
	return nil
}

// AcknowledgeRequestData is the acknowledge-file-request payload the
// sender echoes back once its encryption envelope is ready.
type AcknowledgeRequestData struct {
	RequestID      string `json:"request_id"`
	PublicKey      string `json:"public_key"`
	AmountOfChunks uint32 `json:"amount_of_chunks"`
	Filename       string `json:"filename"`
}

// Acknowledge stores the sender's prepared envelope for the receiver's
// driver to observe.
func (p *Protocol) Acknowledge(ctx context.Context, data string) error {
	req, err := decode[AcknowledgeRequestData](data)
	if err != nil {
		return err
	}

	fields := []string{
		"filename", req.Filename,
		"public.key", req.PublicKey,
		"amount.of.chunks", strconv.FormatUint(uint64(req.AmountOfChunks), 10),
	}
	return p.store.HSetMulti(ctx, prepKey(req.RequestID), fields, 0)
}

// ReadyData is the ready-for-file-transfer payload.
type ReadyData struct {
	RequestID string `json:"request_id"`
}

// Ready marks the receiver willing to take chunk 1.
func (p *Protocol) Ready(ctx context.Context, userID, data string) error {
	req, err := decode[ReadyData](data)
	if err != nil {
		return err
	}
	if err := p.requireParticipant(ctx, req.RequestID, userID); err != nil {
		return err
	}
	return p.store.Set(ctx, chunkCurrKey(req.RequestID), "1", 0)
}

// AddChunkRequestData is the add-chunk payload from the sender.
type AddChunkRequestData struct {
	RequestID   string `json:"request_id"`
	IsLastChunk bool   `json:"is_last_chunk"`
	ChunkNr     uint32 `json:"chunk_nr"`
	Chunk       string `json:"chunk"`
	IV          string `json:"iv"`
}

// AddChunk accepts the chunk the sender was asked for. The chunk
// number must match the outstanding chunk.req; the payload is stored
// as "{n}@{iv}@{ciphertext}" until the receiver's driver drains it.
func (p *Protocol) AddChunk(ctx context.Context, userID, data string) error {
	req, err := decode[AddChunkRequestData](data)
	if err != nil {
		return err
	}
	if err := p.requireParticipant(ctx, req.RequestID, userID); err != nil {
		return err
	}

	if len(req.Chunk) > p.maxChunkSize {
		p.logger.WithField("chunk_size", len(req.Chunk)).Error("Chunk over size ceiling")
		return apierr.BadRequest("chunk too big")
	}

	requested, err := p.store.Get(ctx, chunkReqKey(req.RequestID))
	if err != nil {
		return err
	}
	if requested == "" || requested != strconv.FormatUint(uint64(req.ChunkNr), 10) {
		return apierr.BadRequest("wrong chunk number")
	}

	payload := fmt.Sprintf("%d@%s@%s", req.ChunkNr, req.IV, req.Chunk)
	if err := p.store.Set(ctx, chunkKey(req.RequestID), payload, 0); err != nil {
		return err
	}

	if req.IsLastChunk {
		if err := p.store.Set(ctx, chunkIsLastKey(req.RequestID), "true", 0); err != nil {
			return err
		}
	}
	return nil
}

// ReceivedChunkData is the received-chunk payload from the receiver.
type ReceivedChunkData struct {
	RequestID string `json:"request_id"`
	ChunkNr   uint32 `json:"chunk_nr"`
}

// ReceivedChunk acknowledges the chunk the receiver was handed. On the
// final chunk every per-rid record is torn down; otherwise the cursor
// advances by one.
func (p *Protocol) ReceivedChunk(ctx context.Context, sessionID, userID, data string) error {
	req, err := decode[ReceivedChunkData](data)
	if err != nil {
		return err
	}
	if err := p.requireParticipant(ctx, req.RequestID, userID); err != nil {
		return err
	}

	sent, err := p.store.Get(ctx, chunkSentKey(req.RequestID))
	if err != nil {
		return err
	}
	if sent == "" || sent != strconv.FormatUint(uint64(req.ChunkNr), 10) {
		return apierr.Conflict("chunk number mismatch")
	}

	isLast, err := p.store.Get(ctx, chunkIsLastKey(req.RequestID))
	if err != nil {
		return err
	}

	if isLast == "true" {
		if err := p.finishTransfer(ctx, sessionID, userID, req.RequestID); err != nil {
			return err
		}
	} else {
		if _, err := p.store.Incr(ctx, chunkCurrKey(req.RequestID), 0); err != nil {
			return err
		}
	}

	if err := p.store.Del(ctx, chunkSentKey(req.RequestID)); err != nil {
		return err
	}
	if err := p.store.Del(ctx, chunkKey(req.RequestID)); err != nil {
		return err
	}
	return p.store.Del(ctx, chunkReqKey(req.RequestID))
}

// finishTransfer clears the rid's terminal state and the queue entries
// of both endpoints.
func (p *Protocol) finishTransfer(ctx context.Context, sessionID, userID, requestID string) error {
	if err := p.store.Del(ctx, chunkIsLastKey(requestID)); err != nil {
		return err
	}
	if err := p.store.Del(ctx, chunkCurrKey(requestID)); err != nil {
		return err
	}

	users, err := p.store.SMembers(ctx, usersKey(requestID))
	if err != nil {
		users = nil
	}
	if err := p.store.Del(ctx, usersKey(requestID)); err != nil {
		return err
	}

	for _, u := range users {
		if err := p.store.SRem(ctx, senderQueueKey(u), requestID); err != nil {
			p.logger.WithField("user_id", u).Error("Failed to clear sender queue entry")
		}
		if err := p.store.SRem(ctx, receiverQueueKey(u), requestID); err != nil {
			p.logger.WithField("user_id", u).Error("Failed to clear receiver queue entry")
		}
	}

	p.metrics.RecordTransferCompleted()
	p.recorder.Record(ctx, sessionID, userID, "transfer-completed", requestID)
	return nil
}
