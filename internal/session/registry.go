// Package session implements the session registry: creation with a
// collision-free whimsical name, host rebind, rename, delete, and the
// access-code join handshake with per-IP lockout.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
)

// maxAccessAttempts locks an IP out of a session after this many wrong
// codes within the attempt lease.
const maxAccessAttempts = 5

// attemptLease is the lease on the per-IP access-attempt counter.
const attemptLease = 10 * time.Second

var dragonNames = []string{
	"Smaug",
	"Drogon",
	"Slifer",
	"Tiamat",
	"Toothless",
	"Drake",
	"Dragonite",
	"Viserion",
	"Draco",
	"Falkor",
	"Saphira",
	"Mushu",
	"Diaval",
	"Haku",
	"Rhaegal",
	"Balerion",
	"Meraxes",
	"Syrax",
	"Shenron",
	"Ran",
	"Shaw",
}

// Registry manages session lifecycle against the store.
type Registry struct {
	store    *kv.Store
	tokens   *identity.Tokens
	recorder *audit.Recorder
	logger   *logrus.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(store *kv.Store, tokens *identity.Tokens, recorder *audit.Recorder, logger *logrus.Logger) *Registry {
	return &Registry{store: store, tokens: tokens, recorder: recorder, logger: logger}
}

// Created is the result of a successful session creation.
type Created struct {
	Name   string
	ID     string
	Code   string
	HostID string
	JWT    string
}

// Keys for the session entities.

func sessionKey(idOrName string) string {
	return fmt.Sprintf("session:%s", idOrName)
}

func hostClaimKey(ip string) string {
	return fmt.Sprintf("created.sessions:%s", ip)
}

func attemptsKey(sessionID, ip string) string {
	return fmt.Sprintf("access.attempts:%s:%s", sessionID, ip)
}

// FilesKey indexes the file names advertised in a session.
func FilesKey(sessionID string) string {
	return fmt.Sprintf("files:%s", sessionID)
}

// FileKey addresses one file's metadata hash.
func FileKey(sessionID, name string) string {
	return fmt.Sprintf("files:%s:%s", sessionID, name)
}

// RequireExists fails with NotFound unless the session is live.
func (r *Registry) RequireExists(ctx context.Context, sessionID string) error {
	ok, err := r.store.Exists(ctx, sessionKey(sessionID))
	if err != nil {
		return err
	}
	if !ok {
		return apierr.NotFound("session id not found")
	}
	return nil
}

// Create mints a new session for hostIP. At most one live session is
// allowed per source IP.
func (r *Registry) Create(ctx context.Context, hostIP string) (*Created, error) {
	ok, err := r.store.Exists(ctx, hostClaimKey(hostIP))
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, apierr.Conflict("you have already created a session")
	}

	name, err := r.pickName(ctx)
	if err != nil {
		return nil, err
	}

	sessionID := identity.NewUUID()
	hostID := identity.NewUUID()
	code := identity.NewAccessCode()

	jwt, err := r.tokens.Issue(sessionID, hostID, true)
	if err != nil {
		return nil, err
	}

	if err := r.store.Set(ctx, sessionKey(name), sessionID, 0); err != nil {
		return nil, err
	}
	fields := []string{"name", name, "code", identity.SHA256Hex(code)}
	if err := r.store.HSetMulti(ctx, sessionKey(sessionID), fields, 0); err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, hostClaimKey(hostIP), sessionID, 0); err != nil {
		return nil, err
	}

	r.recorder.Record(ctx, sessionID, hostID, "created", name)

	return &Created{Name: name, ID: sessionID, Code: code, HostID: hostID, JWT: jwt}, nil
}

// pickName chooses a session name: one uniform pick from the dragon
// list, then an ordered scan, then the first pick with a 1-based
// counter appended until free.
func (r *Registry) pickName(ctx context.Context) (string, error) {
	first := dragonNames[rand.Intn(len(dragonNames))]

	taken, err := r.store.Exists(ctx, sessionKey(first))
	if err != nil {
		return "", err
	}
	if !taken {
		return first, nil
	}

	for _, name := range dragonNames {
		taken, err := r.store.Exists(ctx, sessionKey(name))
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}

	for counter := 1; ; counter++ {
		name := fmt.Sprintf("%s%d", first, counter)
		taken, err := r.store.Exists(ctx, sessionKey(name))
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
}

// RotateCode re-binds the host to its session: a fresh access code is
// issued, the session id stays stable.
func (r *Registry) RotateCode(ctx context.Context, sessionID string) (name, code string, err error) {
	name, err = r.store.HGet(ctx, sessionKey(sessionID), "name")
	if err != nil {
		return "", "", err
	}

	code = identity.NewAccessCode()
	fields := []string{"name", name, "code", identity.SHA256Hex(code)}
	if err := r.store.HSetMulti(ctx, sessionKey(sessionID), fields, 0); err != nil {
		return "", "", err
	}
	if err := r.store.Set(ctx, sessionKey(name), sessionID, 0); err != nil {
		return "", "", err
	}
	return name, code, nil
}

// IDForName resolves a session name to its id.
func (r *Registry) IDForName(ctx context.Context, name string) (string, error) {
	ok, err := r.store.Exists(ctx, sessionKey(name))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apierr.NotFound("session name not found")
	}
	return r.store.Get(ctx, sessionKey(name))
}

// Name returns the session's current name.
func (r *Registry) Name(ctx context.Context, sessionID string) (string, error) {
	return r.store.HGet(ctx, sessionKey(sessionID), "name")
}

// Rename rotates the session's name and access code, moving the name
// pointer. Returns the new access code.
func (r *Registry) Rename(ctx context.Context, sessionID, newName, actor string) (string, error) {
	oldName, err := r.store.HGet(ctx, sessionKey(sessionID), "name")
	if err != nil {
		return "", err
	}

	code := identity.NewAccessCode()
	fields := []string{"name", newName, "code", identity.SHA256Hex(code)}
	if err := r.store.HSetMulti(ctx, sessionKey(sessionID), fields, 0); err != nil {
		return "", err
	}
	if err := r.store.Del(ctx, sessionKey(oldName)); err != nil {
		return "", err
	}
	if err := r.store.Set(ctx, sessionKey(newName), sessionID, 0); err != nil {
		return "", err
	}

	r.recorder.Record(ctx, sessionID, actor, "renamed", newName)
	return code, nil
}

// Delete removes the session, its name pointer, the host claim, and
// every advertised file.
func (r *Registry) Delete(ctx context.Context, sessionID, hostIP string) error {
	if err := r.store.Del(ctx, hostClaimKey(hostIP)); err != nil {
		return err
	}

	name, err := r.store.HGet(ctx, sessionKey(sessionID), "name")
	if err != nil {
		return err
	}
	if err := r.store.Del(ctx, sessionKey(sessionID)); err != nil {
		return err
	}
	if err := r.store.Del(ctx, sessionKey(name)); err != nil {
		return err
	}

	files, err := r.store.SMembers(ctx, FilesKey(sessionID))
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := r.store.Del(ctx, FileKey(sessionID, file)); err != nil {
			return err
		}
	}
	if err := r.store.Del(ctx, FilesKey(sessionID)); err != nil {
		return err
	}

	return r.recorder.Clear(ctx, sessionID)
}

// Join validates an access-code hash against the session. Wrong codes
// increment a short-lived per-IP counter; once the counter hits the
// cap, even the right code is rejected until the lease expires.
func (r *Registry) Join(ctx context.Context, sessionID, ip, codeHash string) (string, error) {
	attempts, err := r.store.Get(ctx, attemptsKey(sessionID, ip))
	if err != nil {
		return "", err
	}
	if attempts == fmt.Sprint(maxAccessAttempts) {
		return "", apierr.TooMany("too many attempts")
	}

	stored, err := r.store.HGet(ctx, sessionKey(sessionID), "code")
	if err != nil {
		return "", err
	}
	if codeHash != stored {
		if _, err := r.store.Incr(ctx, attemptsKey(sessionID, ip), attemptLease); err != nil {
			return "", err
		}
		return "", apierr.Unauthorized("invalid access code")
	}

	guestID := identity.NewUUID()
	jwt, err := r.tokens.Issue(sessionID, guestID, false)
	if err != nil {
		return "", err
	}

	r.recorder.Record(ctx, sessionID, guestID, "joined", "")
	return jwt, nil
}

// Prolong refreshes the session's lease and its name pointer's lease.
// Called on transfer activity so a busy session outlives the default
// lease window.
func (r *Registry) Prolong(ctx context.Context, sessionID string) {
	name, err := r.store.HGet(ctx, sessionKey(sessionID), "name")
	if err != nil {
		return
	}
	if err := r.store.Expire(ctx, sessionKey(sessionID), 0); err != nil {
		return
	}
	if name != "" {
		if err := r.store.Expire(ctx, sessionKey(name), 0); err != nil {
			r.logger.WithField("session_id", sessionID).Warn("Failed to prolong session name pointer")
		}
	}
}
