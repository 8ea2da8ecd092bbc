// Package api serves the session and catalog surface over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/metrics"
	"github.com/kenneth/dragondrop/internal/middleware"
	"github.com/kenneth/dragondrop/internal/session"
)

// Handler handles HTTP requests for the session and file surface.
type Handler struct {
	sessions *session.Registry
	catalog  *catalog.Catalog
	tokens   *identity.Tokens
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sessions *session.Registry, cat *catalog.Catalog, tokens *identity.Tokens, recorder *audit.Recorder, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		catalog:  cat,
		tokens:   tokens,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handlePing).Methods("GET")
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/session", h.handleCreateSession).Methods("POST")
	r.HandleFunc("/session", h.handleGetSession).Methods("GET")
	r.HandleFunc("/idForName/{session_name}", h.handleIDForName).Methods("GET")
	r.HandleFunc("/access/{session_id}", h.handleJoinSession).Methods("GET")
	r.HandleFunc("/session/{session_id}", h.handleSessionMetadata).Methods("GET")
	r.HandleFunc("/session/{session_id}", h.handleUpdateSession).Methods("PUT")
	r.HandleFunc("/session/{session_id}", h.handleDeleteSession).Methods("DELETE")
	r.HandleFunc("/audit/{session_id}", h.handleAuditTrail).Methods("GET")

	r.HandleFunc("/files/{session_id}", h.handleListFiles).Methods("GET")
	r.HandleFunc("/files/{session_id}", h.handleAddFiles).Methods("POST")
	r.HandleFunc("/files/{session_id}/{file_name}", h.handleGetFile).Methods("GET")
	r.HandleFunc("/files/{session_id}/{file_name}", h.handleDeleteFile).Methods("DELETE")
}

// record captures the request outcome for Prometheus.
func (h *Handler) record(r *http.Request, status int, start time.Time) {
	path := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			path = tmpl
		}
	}
	h.metrics.RecordHTTPRequest(r.Method, path, status, time.Since(start))
}

// handlePing answers with the current timestamp in milliseconds.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	respond(w, http.StatusOK, identity.NowMillis())
	h.record(r, http.StatusOK, start)
}

// handleHealth reports liveness.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "ok")
}

// handleCreateSession mints a session for the caller's IP. At most one
// live session per source IP.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	created, err := h.sessions.Create(r.Context(), middleware.ClientIP(r))
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"sessionName": created.Name,
		"sessionId":   created.ID,
		"accessCode":  created.Code,
		"jwt":         created.JWT,
	})
	h.record(r, http.StatusCreated, start)
}

// handleGetSession re-binds a host to its session, rotating the access
// code. The session id stays stable.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims, err := h.tokens.VerifyHeader(r.Header)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}
	sessionID := claims.Audience

	if err := h.requireHostSession(r, sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	name, code, err := h.sessions.RotateCode(r.Context(), sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusAccepted, map[string]interface{}{
		"sessionName": name,
		"sessionId":   sessionID,
		"accessCode":  code,
	})
	h.record(r, http.StatusAccepted, start)
}

func (h *Handler) requireHostSession(r *http.Request, sessionID string) error {
	if err := h.sessions.RequireExists(r.Context(), sessionID); err != nil {
		return err
	}
	_, err := h.tokens.RequireHost(r.Header, sessionID)
	return err
}

// handleIDForName resolves a session name.
func (h *Handler) handleIDForName(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := mux.Vars(r)["session_name"]

	sessionID, err := h.sessions.IDForName(r.Context(), name)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
	})
	h.record(r, http.StatusOK, start)
}

// handleJoinSession validates the access-code hash in the
// Authorization header and issues a guest token.
func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	if err := h.sessions.RequireExists(r.Context(), sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	codeHash := r.Header.Get("Authorization")
	if codeHash == "" {
		err := apierr.BadRequest("authorization header not found")
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	jwt, err := h.sessions.Join(r.Context(), sessionID, middleware.ClientIP(r), codeHash)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"jwt": jwt,
	})
	h.record(r, http.StatusOK, start)
}

// handleSessionMetadata returns the session's name.
func (h *Handler) handleSessionMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	if err := h.sessions.RequireExists(r.Context(), sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	name, err := h.sessions.Name(r.Context(), sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"sessionName": name,
	})
	h.record(r, http.StatusOK, start)
}

type sessionNameBody struct {
	Name string `json:"name"`
}

// handleUpdateSession renames the session and rotates its code.
func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	if err := h.requireHostSession(r, sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	var body sessionNameBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		badReq := apierr.BadRequest("invalid request body")
		respondError(w, badReq)
		h.record(r, apierr.StatusOf(badReq), start)
		return
	}

	claims, _ := h.tokens.VerifyHeader(r.Header)
	actor := ""
	if claims != nil {
		actor = claims.Subject
	}

	code, err := h.sessions.Rename(r.Context(), sessionID, body.Name, actor)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"accessCode": code,
	})
	h.record(r, http.StatusOK, start)
}

// handleDeleteSession tears the session down, cascading to its files.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	if err := h.requireHostSession(r, sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	if err := h.sessions.Delete(r.Context(), sessionID, middleware.ClientIP(r)); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, "successfully deleted session")
	h.record(r, http.StatusOK, start)
}

// handleAuditTrail returns the session's event trail to its host.
func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	if err := h.requireHostSession(r, sessionID); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	events, err := h.recorder.Trail(r.Context(), sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, events)
	h.record(r, http.StatusOK, start)
}

func (h *Handler) requireMember(r *http.Request, sessionID string) (*identity.User, error) {
	if err := h.sessions.RequireExists(r.Context(), sessionID); err != nil {
		return nil, err
	}
	return h.tokens.RequireMember(r.Header, sessionID)
}

// handleListFiles returns every advertised file in the session.
func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	user, err := h.requireMember(r, sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	files, err := h.catalog.List(r.Context(), sessionID, user)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, files)
	h.record(r, http.StatusOK, start)
}

// handleAddFiles advertises new files in the session.
func (h *Handler) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["session_id"]

	user, err := h.requireMember(r, sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	var files []catalog.NewFile
	if err := json.NewDecoder(r.Body).Decode(&files); err != nil {
		badReq := apierr.BadRequest("invalid request body")
		respondError(w, badReq)
		h.record(r, apierr.StatusOf(badReq), start)
		return
	}

	if err := h.catalog.Add(r.Context(), sessionID, user, files); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, "successfully added files")
	h.record(r, http.StatusOK, start)
}

// handleGetFile returns one file's metadata.
func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	sessionID := vars["session_id"]
	fileName := vars["file_name"]

	user, err := h.requireMember(r, sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	file, err := h.catalog.Get(r.Context(), sessionID, fileName, user)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, file)
	h.record(r, http.StatusOK, start)
}

// handleDeleteFile removes a file; only its owner or the host may.
func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	sessionID := vars["session_id"]
	fileName := vars["file_name"]

	user, err := h.requireMember(r, sessionID)
	if err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	if err := h.catalog.Delete(r.Context(), sessionID, fileName, user); err != nil {
		respondError(w, err)
		h.record(r, apierr.StatusOf(err), start)
		return
	}

	respond(w, http.StatusOK, "successfully deleted file")
	h.record(r, http.StatusOK, start)
}
