// Package relay hosts the bidirectional channel: one WebSocket per
// peer, scoped to a session. The dispatcher authenticates every
// inbound frame, routes it to the protocol command, and drains a
// bounded outbound queue fed by the command layer's driver task.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/metrics"
	"github.com/kenneth/dragondrop/internal/transfer"
)

// DefaultQueueSize bounds the outbound frame queue per connection.
const DefaultQueueSize = 1024

// InboundFrame is one client message: a signed token plus a command
// and its JSON-encoded payload.
type InboundFrame struct {
	JWT     string `json:"jwt"`
	Command string `json:"command"`
	Data    string `json:"data"`
}

// Handler upgrades and serves channel connections.
type Handler struct {
	store     *kv.Store
	catalog   *catalog.Catalog
	tokens    *identity.Tokens
	protocol  *transfer.Protocol
	drivers   *transfer.Drivers
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	tick      time.Duration
	queueSize int
	upgrader  websocket.Upgrader
}

// NewHandler creates a channel handler.
func NewHandler(store *kv.Store, cat *catalog.Catalog, tokens *identity.Tokens, protocol *transfer.Protocol, drivers *transfer.Drivers, m *metrics.Metrics, logger *logrus.Logger, tick time.Duration, queueSize int) *Handler {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Handler{
		store:     store,
		catalog:   cat,
		tokens:    tokens,
		protocol:  protocol,
		drivers:   drivers,
		metrics:   m,
		logger:    logger,
		tick:      tick,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			// The relay sits behind its own CORS policy: any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the channel endpoint.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/session/{session_id}", h.handleChannel).Methods("GET")
}

func (h *Handler) handleChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade channel connection")
		return
	}
	h.logger.WithField("session_id", sessionID).Info("Channel connection opened")
	h.metrics.ConnectionOpened()

	h.serve(conn, sessionID)

	h.metrics.ConnectionClosed()
	h.logger.WithField("session_id", sessionID).Info("Channel connection closed")
}

// serve runs the connection's select loop: inbound frames, outbound
// frames, shutdown. Cancelling ctx on exit is the broadcast that stops
// this connection's driver; per-rid state is left to lease expiry so a
// peer may reconnect within the window.
func (h *Handler) serve(conn *websocket.Conn, sessionID string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan transfer.Frame, h.queueSize)

	inbound := make(chan []byte)
	go func() {
		defer close(inbound)
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			h.handleFrame(ctx, sessionID, out, msg)
		case frame := <-out:
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.WithError(err).Error("Failed to encode outbound frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.WithError(err).Error("Failed to write to channel")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame authenticates and dispatches one inbound frame. Command
// failures are logged, never echoed; clients observe outcomes through
// the driver's subsequent state-machine progress.
func (h *Handler) handleFrame(ctx context.Context, sessionID string, out chan<- transfer.Frame, msg []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		h.logger.WithError(err).Error("Failed to decode inbound frame")
		return
	}
	h.metrics.RecordFrameIn(frame.Command)

	claims, err := h.tokens.Verify(frame.JWT)
	if err == nil && claims.Audience != sessionID {
		err = apierr.Unauthorized("invalid session id")
	}
	if err != nil {
		h.logFrameError(frame.Command, err)
		return
	}
	userID := claims.Subject

	switch frame.Command {
	case transfer.CmdRegister:
		driver := transfer.NewDriver(h.store, h.catalog, h.metrics, h.logger, sessionID, userID, out, h.tick)
		err = h.drivers.Start(ctx, driver)
	case transfer.CmdRequestFile:
		err = h.protocol.RequestFile(ctx, sessionID, userID, frame.Data)
	case transfer.CmdAcknowledge:
		err = h.protocol.Acknowledge(ctx, frame.Data)
	case transfer.CmdReady:
		err = h.protocol.Ready(ctx, userID, frame.Data)
	case transfer.CmdAddChunk:
		err = h.protocol.AddChunk(ctx, userID, frame.Data)
	case transfer.CmdReceivedChunk:
		err = h.protocol.ReceivedChunk(ctx, sessionID, userID, frame.Data)
	default:
		err = apierr.BadRequest("unknown command: " + frame.Command)
	}

	if err != nil {
		h.logFrameError(frame.Command, err)
	}
}

func (h *Handler) logFrameError(command string, err error) {
	status := apierr.StatusOf(err)
	h.metrics.RecordCommandError(command, status)
	h.logger.WithFields(logrus.Fields{
		"command": command,
		"status":  status,
	}).Errorf("%v", err)
}
