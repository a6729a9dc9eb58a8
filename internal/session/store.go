// Package session implements the Session Store (C4): session lifecycle,
// per-session locking, and the sweeper that retires expired sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/cryptoservice"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
)

// MedicalContext counts a session's interactions and records the sorted
// multiset of tools used and resources accessed, per spec §3.
type MedicalContext struct {
	Interactions      int
	ToolsUsed         []string
	ResourcesAccessed []string
}

func (c *MedicalContext) recordTool(name string) {
	c.Interactions++
	c.ToolsUsed = append(c.ToolsUsed, name)
	sort.Strings(c.ToolsUsed)
}

func (c *MedicalContext) recordResource(name string) {
	c.ResourcesAccessed = append(c.ResourcesAccessed, name)
	sort.Strings(c.ResourcesAccessed)
}

// State is the immutable-shaped snapshot handed back to callers. Mutating
// the returned value does not affect the store; callers that need to
// record activity call RecordTool/RecordResource on the Store.
type State struct {
	ID              string
	Created         time.Time
	LastActivity    time.Time
	Expiry          time.Time
	HashedUserAgent string
	HashedPeerAddr  string
	Active          bool
	MedicalContext  MedicalContext
}

// entry is the mutable record held in the store; each has its own lock so
// concurrent validate calls on different sessions never contend, and
// concurrent validate calls on the same session serialize cleanly.
type entry struct {
	mu    sync.Mutex
	state State
}

// ValidateFailure is the closed set of reasons validate can fail.
type ValidateFailure string

const (
	FailureNoToken        ValidateFailure = "no-token"
	FailureBadSignature   ValidateFailure = "bad-signature"
	FailureUnknownSession ValidateFailure = "unknown-session"
	FailureInactive       ValidateFailure = "inactive"
	FailureExpired        ValidateFailure = "expired"
)

// ValidateError wraps a ValidateFailure so callers can branch with
// errors.As while still getting a human-readable message.
type ValidateError struct {
	Reason ValidateFailure
}

func (e *ValidateError) Error() string { return "session: validation failed: " + string(e.Reason) }

// Store holds every live session and the sweeper that retires expired
// ones. It depends on the Crypto & Token Service (to mint/validate
// tokens) and the Audit Sink (to record lifecycle events) — never the
// reverse, per the spec's layering note in §9.
type Store struct {
	crypto *cryptoservice.Service
	sink   *audit.Sink
	logger logging.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	graceWindow time.Duration
}

// Config configures a Store.
type Config struct {
	Crypto      *cryptoservice.Service
	Sink        *audit.Sink
	Logger      logging.Logger
	TTL         time.Duration
	GraceWindow time.Duration
}

// New builds a Store. TTL defaults to 30 minutes per spec §4.4.
func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Store{
		crypto:      cfg.Crypto,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		now:         time.Now,
		sessions:    make(map[string]*entry),
		graceWindow: cfg.GraceWindow,
	}
}

// ClientFingerprint identifies the caller a new session binds to.
type ClientFingerprint struct {
	HashedUserAgent string
	HashedPeerAddr  string
}

// Create mints a fresh session and its bearer token.
func (s *Store) Create(fp ClientFingerprint) (State, string, error) {
	id, err := newSessionID()
	if err != nil {
		return State{}, "", err
	}
	now := s.now()
	state := State{
		ID:              id,
		Created:         now,
		LastActivity:    now,
		Expiry:          now.Add(s.ttl),
		HashedUserAgent: fp.HashedUserAgent,
		HashedPeerAddr:  fp.HashedPeerAddr,
		Active:          true,
	}

	s.mu.Lock()
	s.sessions[id] = &entry{state: state}
	s.mu.Unlock()

	token, err := s.crypto.IssueSessionToken(id, state.Expiry)
	if err != nil {
		return State{}, "", err
	}

	s.emit(audit.KindAccess, audit.SeverityNormal, id, "session", "create", "ok", nil)
	return state, token, nil
}

// Validate resolves a bearer token to an active, unexpired session,
// advancing LastActivity to now. It is the only call permitted to advance
// LastActivity (spec §4.4 invariant).
func (s *Store) Validate(token string) (State, error) {
	if token == "" {
		return State{}, &ValidateError{Reason: FailureNoToken}
	}
	claims, err := s.crypto.ValidateSessionToken(token)
	if err != nil {
		if errors.Is(err, cryptoservice.ErrTokenExpired) {
			return State{}, &ValidateError{Reason: FailureExpired}
		}
		return State{}, &ValidateError{Reason: FailureBadSignature}
	}

	s.mu.RLock()
	e, ok := s.sessions[claims.SessionID]
	s.mu.RUnlock()
	if !ok {
		return State{}, &ValidateError{Reason: FailureUnknownSession}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Active {
		return State{}, &ValidateError{Reason: FailureInactive}
	}
	now := s.now()
	if now.After(e.state.Expiry) {
		return State{}, &ValidateError{Reason: FailureExpired}
	}
	if now.After(e.state.LastActivity) {
		e.state.LastActivity = now
	}
	return e.snapshotLocked(), nil
}

func (e *entry) snapshotLocked() State {
	ctx := e.state.MedicalContext
	cp := e.state
	cp.MedicalContext = MedicalContext{
		Interactions:      ctx.Interactions,
		ToolsUsed:         append([]string(nil), ctx.ToolsUsed...),
		ResourcesAccessed: append([]string(nil), ctx.ResourcesAccessed...),
	}
	return cp
}

// RecordTool appends a tool-use entry to a session's MedicalContext.
func (s *Store) RecordTool(id, toolName string) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.MedicalContext.recordTool(toolName)
	e.mu.Unlock()
}

// RecordResource appends a resource-access entry to a session's
// MedicalContext.
func (s *Store) RecordResource(id, resource string) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.MedicalContext.recordResource(resource)
	e.mu.Unlock()
}

// Deactivate performs the monotone active->inactive transition.
func (s *Store) Deactivate(id string) error {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New("session: unknown session")
	}

	e.mu.Lock()
	e.state.Active = false
	e.mu.Unlock()

	s.emit(audit.KindAccess, audit.SeverityNormal, id, "session", "deactivate", "ok", nil)
	return nil
}

// Sweep scans for expired sessions, deactivates them, and purges entries
// that have been inactive for longer than the grace window. It makes
// bounded per-cycle progress by snapshotting ids under the read lock and
// re-checking each one under its own lock, never holding the map lock for
// the whole pass (spec §4.4, §5 ordering note).
func (s *Store) Sweep() {
	now := s.now()

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var toPurge []string
	for _, id := range ids {
		s.mu.RLock()
		e, ok := s.sessions[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := now.After(e.state.Expiry)
		if expired && e.state.Active {
			e.state.Active = false
			s.emitLocked(audit.KindAccess, audit.SeverityNormal, id, "session", "sweep-deactivate", "ok", nil)
		}
		purge := !e.state.Active && now.Sub(e.state.Expiry) > s.graceWindow
		e.mu.Unlock()

		if purge {
			toPurge = append(toPurge, id)
		}
	}

	if len(toPurge) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range toPurge {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

func (s *Store) emitLocked(kind audit.Kind, sev audit.Severity, sessionID, resource, action, outcome string, fields map[string]any) {
	s.emit(kind, sev, sessionID, resource, action, outcome, fields)
}

func (s *Store) emit(kind audit.Kind, sev audit.Severity, sessionID, resource, action, outcome string, fields map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(audit.Record{
		Kind:        kind,
		Severity:    sev,
		SessionHash: audit.HashSessionID(sessionID),
		Resource:    resource,
		Action:      action,
		Outcome:     outcome,
		Fields:      fields,
	})
}

func newSessionID() (string, error) {
	buf := make([]byte, 16) // 128-bit random id per spec §3
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
