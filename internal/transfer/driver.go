package transfer

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/metrics"
)

// DefaultTick is the driver's polling interval.
const DefaultTick = 100 * time.Millisecond

// Driver is the per-user polling task. It is an idempotent scanner
// over store state: every tick runs the four passes and emits whatever
// frames the state calls for. It owns nothing — restarting it at any
// point is safe because each step is keyed by the monotonic chunk
// cursor.
type Driver struct {
	store     *kv.Store
	catalog   *catalog.Catalog
	metrics   *metrics.Metrics
	logger    *logrus.Entry
	sessionID string
	userID    string
	out       chan<- Frame
	tick      time.Duration
}

// NewDriver creates a driver bound to one registered user. Frames are
// emitted into out, which the dispatcher drains into the channel.
func NewDriver(store *kv.Store, cat *catalog.Catalog, m *metrics.Metrics, logger *logrus.Logger, sessionID, userID string, out chan<- Frame, tick time.Duration) *Driver {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Driver{
		store:     store,
		catalog:   cat,
		metrics:   m,
		logger:    logger.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID}),
		sessionID: sessionID,
		userID:    userID,
		out:       out,
		tick:      tick,
	}
}

// Run ticks until ctx is cancelled. A failing pass is logged and the
// rest of the tick is skipped; the next tick retries.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Driver shutdown signal received")
			return
		case <-ticker.C:
			d.metrics.RecordDriverTick()

			if err := d.passAcknowledge(ctx); err != nil {
				d.failPass("acknowledge-file-request", err)
				continue
			}
			if err := d.passPrepare(ctx); err != nil {
				d.failPass("prepare-for-file-transfer", err)
				continue
			}
			if err := d.passSendNextChunk(ctx); err != nil {
				d.failPass("send-next-chunk", err)
				continue
			}
			if err := d.passAddChunk(ctx); err != nil {
				d.failPass("add-chunk", err)
				continue
			}
		}
	}
}

func (d *Driver) failPass(pass string, err error) {
	if err == context.Canceled {
		return
	}
	d.metrics.RecordDriverPassError(pass)
	d.logger.WithError(err).Errorf("Driver pass %s failed", pass)
}

// emit queues a frame for the dispatcher's writer.
func (d *Driver) emit(ctx context.Context, frame Frame) error {
	select {
	case d.out <- frame:
		d.metrics.RecordFrameOut(frame.Command)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// passAcknowledge is the sender side of REQUESTED → ACKNOWLEDGED: for
// each of the user's files with pending requests, mint a rid per
// requester, anchor both endpoints, queue both sides, and ask the
// sender to build its envelope.
func (d *Driver) passAcknowledge(ctx context.Context) error {
	owned, err := d.catalog.OwnedBy(ctx, d.sessionID, d.userID)
	if err != nil {
		return err
	}

	for _, file := range owned {
		requested, err := d.store.SIsMember(ctx, pendingFilesKey(d.sessionID), file)
		if err != nil {
			return err
		}
		if !requested {
			continue
		}
		if err := d.store.SRem(ctx, pendingFilesKey(d.sessionID), file); err != nil {
			d.logger.WithError(err).Error("Failed to consume pending file request")
		}

		requesters, err := d.store.SMembers(ctx, pendingRequestersKey(d.sessionID, file))
		if err != nil {
			continue
		}

		for _, recUserID := range requesters {
			publicKey, err := d.store.Get(ctx, pendingKeyKey(d.sessionID, file, recUserID))
			if err != nil {
				continue
			}
			if err := d.store.Del(ctx, pendingKeyKey(d.sessionID, file, recUserID)); err != nil {
				d.logger.WithError(err).Error("Failed to delete pending public key")
			}
			if err := d.store.SRem(ctx, pendingRequestersKey(d.sessionID, file), recUserID); err != nil {
				d.logger.WithError(err).Error("Failed to remove requester")
			}

			requestID := identity.NewUUID()

			if err := d.store.SAdd(ctx, usersKey(requestID), recUserID, 0); err != nil {
				continue
			}
			if err := d.store.SAdd(ctx, usersKey(requestID), d.userID, 0); err != nil {
				continue
			}
			if err := d.store.SAdd(ctx, receiverQueueKey(recUserID), requestID, 0); err != nil {
				continue
			}
			if err := d.store.SAdd(ctx, senderQueueKey(d.userID), requestID, 0); err != nil {
				continue
			}

			frame := acknowledgeFrame(requestID, AcknowledgeData{
				PublicKey: publicKey,
				Filename:  file,
				UserID:    d.userID,
			})
			if err := d.emit(ctx, frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// passPrepare is the receiver side of ACKNOWLEDGED → PREPARED: once
// the sender's envelope shows up, consume it and tell the receiver
// what is coming.
func (d *Driver) passPrepare(ctx context.Context) error {
	requestIDs, err := d.store.SMembers(ctx, receiverQueueKey(d.userID))
	if err != nil {
		return err
	}

	for _, requestID := range requestIDs {
		flat, err := d.store.HGetAll(ctx, prepKey(requestID))
		if err != nil {
			d.logger.WithError(err).WithField("request_id", requestID).Error("Failed to read prep record")
			continue
		}
		if len(flat) < 6 {
			continue
		}

		if err := d.store.Del(ctx, prepKey(requestID)); err != nil {
			d.logger.WithError(err).WithField("request_id", requestID).Error("Failed to delete prep record")
		}

		filename, ok := kv.HashField(flat, "filename")
		if !ok {
			continue
		}
		publicKey, ok := kv.HashField(flat, "public.key")
		if !ok {
			continue
		}
		amountStr, ok := kv.HashField(flat, "amount.of.chunks")
		if !ok {
			continue
		}
		amount, err := strconv.ParseUint(amountStr, 10, 32)
		if err != nil {
			amount = 0
		}

		frame := prepareFrame(requestID, PrepareData{
			PublicKey:      publicKey,
			Filename:       filename,
			AmountOfChunks: uint32(amount),
		})
		if err := d.emit(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// passSendNextChunk is the sender side of the chunk handshake: when
// the receiver's cursor is set and no request is outstanding, ask the
// sender for exactly that chunk.
func (d *Driver) passSendNextChunk(ctx context.Context) error {
	requestIDs, err := d.store.SMembers(ctx, senderQueueKey(d.userID))
	if err != nil {
		return err
	}

	for _, requestID := range requestIDs {
		curr, err := d.store.Get(ctx, chunkCurrKey(requestID))
		if err != nil || curr == "" {
			continue
		}

		outstanding, err := d.store.Get(ctx, chunkReqKey(requestID))
		if err != nil {
			outstanding = ""
		}
		if outstanding != "" {
			continue
		}

		if err := d.store.Set(ctx, chunkReqKey(requestID), curr, 0); err != nil {
			d.logger.WithError(err).WithField("request_id", requestID).Error("Failed to set chunk request")
			continue
		}

		nr, err := strconv.ParseUint(curr, 10, 32)
		if err != nil {
			nr = 0
		}
		frame := sendNextChunkFrame(requestID, SendNextChunkData{ChunkNr: uint32(nr)})
		if err := d.emit(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// passAddChunk is the receiver side of the chunk handshake: when an
// uploaded chunk matches the cursor and none is already in the
// receiver's hands, hand it over.
func (d *Driver) passAddChunk(ctx context.Context) error {
	requestIDs, err := d.store.SMembers(ctx, receiverQueueKey(d.userID))
	if err != nil {
		return err
	}

	for _, requestID := range requestIDs {
		sent, err := d.store.Get(ctx, chunkSentKey(requestID))
		if err != nil || sent != "" {
			continue
		}

		payload, err := d.store.Get(ctx, chunkKey(requestID))
		if err != nil || payload == "" {
			continue
		}

		parts := strings.Split(payload, "@")
		if len(parts) != 3 {
			d.logger.WithField("request_id", requestID).Error("Invalid chunk payload")
			continue
		}
		nrStr, iv, ciphertext := parts[0], parts[1], parts[2]

		curr, err := d.store.Get(ctx, chunkCurrKey(requestID))
		if err != nil || curr == "" || nrStr != curr {
			continue
		}

		if err := d.store.Set(ctx, chunkSentKey(requestID), nrStr, 0); err != nil {
			d.logger.WithError(err).WithField("request_id", requestID).Error("Failed to mark chunk sent")
			continue
		}

		isLast, err := d.store.Get(ctx, chunkIsLastKey(requestID))
		if err != nil {
			isLast = ""
		}

		nr, err := strconv.ParseUint(nrStr, 10, 32)
		if err != nil {
			nr = 0
		}
		frame := addChunkFrame(requestID, AddChunkData{
			IsLastChunk: isLast == "true",
			ChunkNr:     uint32(nr),
			Chunk:       ciphertext,
			IV:          iv,
		})
		if err := d.emit(ctx, frame); err != nil {
			return err
		}
		d.metrics.RecordChunkRelayed()
	}
	return nil
}

// Drivers is the process-local set of running driver tasks, keyed by
// user id. It exists only to prevent double-spawn; the store remains
// the sole source of transfer truth.
type Drivers struct {
	running sync.Map
	metrics *metrics.Metrics
}

// NewDrivers creates the running-driver set.
func NewDrivers(m *metrics.Metrics) *Drivers {
	return &Drivers{metrics: m}
}

// Start launches the driver for its user unless one is already
// running. The entry insertion is atomic, so concurrent register
// frames cannot double-spawn.
func (ds *Drivers) Start(ctx context.Context, d *Driver) error {
	if _, loaded := ds.running.LoadOrStore(d.userID, struct{}{}); loaded {
		return apierr.Conflict("listener already running")
	}

	ds.metrics.DriverStarted()
	go func() {
		defer ds.running.Delete(d.userID)
		defer ds.metrics.DriverStopped()
		d.Run(ctx)
		d.logger.Info("Driver terminated")
	}()
	return nil
}

// Running reports whether a driver is active for userID.
func (ds *Drivers) Running(userID string) bool {
	_, ok := ds.running.Load(userID)
	return ok
}
