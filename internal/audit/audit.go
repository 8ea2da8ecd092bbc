// Package audit keeps a short per-session event trail in the store.
// Events ride the same lease as the rest of the session state, so the
// trail dies with the session.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
)

// maxEvents bounds the trail per session; older entries are dropped.
const maxEvents = 64

// Event is one session-scoped audit record.
type Event struct {
	Timestamp int64  `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
}

// Recorder writes events to the store. Recording is best-effort:
// failures are logged and never surfaced to the caller's operation.
type Recorder struct {
	store  *kv.Store
	logger *logrus.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store *kv.Store, logger *logrus.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func auditKey(sessionID string) string {
	return fmt.Sprintf("audit:%s", sessionID)
}

// Record appends an event to the session's trail.
func (r *Recorder) Record(ctx context.Context, sessionID, actor, action, detail string) {
	ev := Event{
		Timestamp: identity.NowMillis(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to encode audit event")
		return
	}

	key := auditKey(sessionID)
	if err := r.store.LPush(ctx, key, string(data), 0); err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to record audit event")
		return
	}

	n, err := r.store.LLen(ctx, key)
	if err != nil {
		return
	}
	for ; n > maxEvents; n-- {
		if _, err := r.store.RPop(ctx, key); err != nil {
			return
		}
	}
}

// Trail returns the session's events, newest first. Entries that fail
// to decode are skipped.
func (r *Recorder) Trail(ctx context.Context, sessionID string) ([]Event, error) {
	raw, err := r.store.LRange(ctx, auditKey(sessionID), 0, maxEvents-1)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Clear drops the session's trail. Called on session delete.
func (r *Recorder) Clear(ctx context.Context, sessionID string) error {
	return r.store.Del(ctx, auditKey(sessionID))
}
