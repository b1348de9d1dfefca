// Package session implements Session (spec.md §4.5): the per-connection
// state machine that handshakes, hydrates, serves CRDT frames, enforces
// write permission, persists writes, broadcasts, and checkpoints on
// disconnect.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc/internal/log"
	"github.com/Polqt/collabdoc/internal/metrics"
	"github.com/Polqt/collabdoc/internal/perm"
	"github.com/Polqt/collabdoc/internal/ratelimit"
	"github.com/Polqt/collabdoc/internal/room"
)

// Close codes used by the core (spec.md §6).
const (
	CloseNormal        = 1000
	CloseAccessRevoked = 4001
	CloseForbidden     = 4003
	ClosePageNotFound  = 4004
	CloseRateLimited   = 4029
)

// State is one of the Session state machine's states (spec.md §4.5).
type State int

const (
	StateConnecting State = iota
	StateRateChecked
	StateAuthorized
	StateHydrating
	StateServing
	StateClosing
)

// User is the caller identity resolved from the HTTP upgrade request before
// handshake begins; authentication itself is out of scope (spec.md §6).
type User struct {
	ID            string
	Authenticated bool
}

// Conn is the transport-level duplex the Session drives. Implemented by the
// gorilla/websocket wrapper in package transport; kept as an interface here
// so Session has no transport dependency and is unit-testable with a fake.
type Conn interface {
	ReadFrame(ctx context.Context) (text bool, data []byte, err error)
	WriteBinary(data []byte) error
	WriteText(data []byte) error
	CloseWithCode(code int, reason string) error
	RemoteAddr() string
}

// Directory is the combination of external lookups Session needs: resolving
// a page by external id, and the permission DataSource. Both are out of
// scope per spec.md §1 — this is only the interface the core consumes.
type Directory interface {
	perm.PageDirectory
	perm.DataSource
}

// Deps bundles the process-wide collaborators a Session is constructed
// with. spec.md §9 calls for explicit composition over global singletons:
// a Session holds these as values, wired once at startup.
type Deps struct {
	Rooms     *room.Manager
	Hub       *room.Hub
	Resolver  *perm.Resolver
	Directory Directory
	RateLimit *ratelimit.Limiter
}

// Session is one live WebSocket connection's state machine.
type Session struct {
	id       string
	deps     Deps
	conn     Conn
	user     User
	clientIP string

	pageExternalID string
	roomID         string

	mu      sync.Mutex
	level   perm.AccessLevel
	page    perm.Page
	project perm.Project
	state   State

	rm *room.Room

	controlCh chan room.ControlMessage
	log       zerolog.Logger
}

// New constructs a Session for a connection identified by pageExternalID
// (parsed from the WS path), with user/clientIP resolved from the upgrade
// request.
func New(deps Deps, conn Conn, user User, clientIP, pageExternalID string) *Session {
	id := uuid.NewString()
	return &Session{
		id:             id,
		deps:           deps,
		conn:           conn,
		user:           user,
		clientIP:       clientIP,
		pageExternalID: pageExternalID,
		roomID:         "page_" + pageExternalID,
		state:          StateConnecting,
		controlCh:      make(chan room.ControlMessage, 16),
		log:            log.WithComponent("session"),
	}
}

// SessionID implements room.Recipient.
func (s *Session) SessionID() string { return s.id }

// UserID implements room.Recipient.
func (s *Session) UserID() string { return s.user.ID }

// Deliver implements room.Recipient: a peer's update arrives for broadcast.
func (s *Session) Deliver(updateBytes []byte) error {
	return s.conn.WriteBinary(encodeFrame(KindUpdate, updateBytes))
}

// DeliverControl implements room.Recipient. It must not block the caller
// (the room actor or Hub broadcast loop) on session-local I/O or DB
// round-trips, so it only enqueues; Run's select loop does the work.
func (s *Session) DeliverControl(msg room.ControlMessage) error {
	select {
	case s.controlCh <- msg:
		return nil
	default:
		return fmt.Errorf("session %s: control channel full, dropping %s", s.id, msg.Kind)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) accessLevel() perm.AccessLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Run drives the full connection lifecycle: rate-check, authorize, hydrate,
// serve, and checkpoint-on-disconnect (spec.md §4.5). It returns once the
// handshake has failed, or once serving has ended and the session has left
// its room. When serving ends because ctx is cancelled or a read fails, Run
// does not close the connection itself.
func (s *Session) Run(ctx context.Context) {
	ok, err := s.handshake(ctx)
	if !ok {
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", s.id).Msg("handshake failed")
		}
		return
	}
	defer s.disconnect(context.Background())

	s.setState(StateServing)
	s.serve(ctx)
}

// handshake implements spec.md §4.5 steps 1-7. Returns ok=false when the
// handshake did not complete: rejections (rate limit, missing page, no
// access, room unavailable) close the connection with their close code, and
// any room or hub registration made before a later failure has already been
// undone, so the caller must not proceed to serve() or disconnect()
// bookkeeping in that case.
func (s *Session) handshake(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	// Step 2: rate limit.
	key := ratelimit.IPKey(s.clientIP)
	keyKind := "ip"
	if s.user.Authenticated {
		key = ratelimit.UserKey(s.user.ID)
		keyKind = "user"
	}
	if !s.deps.RateLimit.Allow(key) {
		metrics.RateLimitRejections.WithLabelValues(keyKind).Inc()
		_ = s.conn.WriteText(ControlFrame{Code: "rate_limited", Message: "too many connection attempts"}.encode())
		_ = s.conn.CloseWithCode(CloseRateLimited, "rate limited")
		return false, nil
	}
	s.setState(StateRateChecked)

	// Step 3: resolve page.
	page, ok, err := s.deps.Directory.GetPageByExternalID(ctx, s.pageExternalID)
	if err != nil {
		_ = s.conn.CloseWithCode(ClosePageNotFound, "lookup failed")
		return false, err
	}
	if !ok {
		_ = s.conn.CloseWithCode(ClosePageNotFound, "page not found")
		return false, nil
	}
	project, err := s.deps.Directory.GetProject(ctx, page.ProjectID)
	if err != nil {
		_ = s.conn.CloseWithCode(ClosePageNotFound, "lookup failed")
		return false, err
	}

	// Step 4: authorize.
	level, err := s.deps.Resolver.GetAccessLevel(ctx, s.user.ID, page, project)
	if err != nil {
		_ = s.conn.CloseWithCode(CloseForbidden, "authorization failed")
		return false, err
	}
	metrics.PermissionTierHits.WithLabelValues(level.String()).Inc()
	if !level.CanRead() {
		_ = s.conn.CloseWithCode(CloseForbidden, "forbidden")
		return false, nil
	}

	s.mu.Lock()
	s.page, s.project, s.level = page, project, level
	s.mu.Unlock()
	s.setState(StateAuthorized)

	// Step 5+6: obtain-or-create and hydrate the room, register with Hub.
	s.setState(StateHydrating)
	rm, err := s.deps.Rooms.Acquire(ctx, s.roomID)
	if err != nil {
		_ = s.conn.CloseWithCode(ClosePageNotFound, "room unavailable")
		return false, err
	}
	s.rm = rm
	if err := s.deps.Hub.Join(ctx, s.roomID, s); err != nil {
		s.deps.Rooms.Release(ctx, s.roomID)
		return false, err
	}
	metrics.SessionsActive.WithLabelValues(s.roomID).Inc()

	// Step 7: initial sync — send the document's state vector.
	sv, err := s.rm.Doc.StateVectorBytes()
	if err != nil {
		s.disconnect(context.Background())
		return false, err
	}
	if err := s.conn.WriteBinary(encodeFrame(KindServerStateVector, sv)); err != nil {
		s.disconnect(context.Background())
		return false, err
	}

	return true, nil
}

// serve is the frame loop (spec.md §4.5 "Serving"). Inbound frames are
// processed in arrival order; control messages from the Hub are drained
// from controlCh between reads.
func (s *Session) serve(ctx context.Context) {
	type inboundFrame struct {
		text bool
		data []byte
		err  error
	}
	inbound := make(chan inboundFrame)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			text, data, err := s.conn.ReadFrame(ctx)
			select {
			case inbound <- inboundFrame{text, data, err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.controlCh:
			if s.handleControl(ctx, msg) {
				return
			}
		case f := <-inbound:
			if f.err != nil {
				return
			}
			if f.text {
				continue // clients don't send text control frames in this protocol
			}
			if s.handleBinaryFrame(ctx, f.data) {
				return
			}
		}
	}
}

// handleBinaryFrame processes one CRDT binary frame. Returns true if the
// session should stop serving.
func (s *Session) handleBinaryFrame(ctx context.Context, data []byte) bool {
	kind, payload, ok := decodeFrame(data)
	if !ok {
		return false
	}
	switch kind {
	case KindSyncStep1:
		diff, err := s.rm.Doc.DiffSince(payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad state vector from client")
			return false
		}
		if err := s.conn.WriteBinary(encodeFrame(KindSyncStep2, diff)); err != nil {
			return true
		}
		return false

	case KindUpdate:
		if !s.accessLevel().CanWrite() {
			metrics.WriteRejections.WithLabelValues(s.roomID).Inc()
			_ = s.conn.WriteText(ControlFrame{Code: "read_only", Message: "view-only access"}.encode())
			return false
		}
		meta := []byte(fmt.Sprintf(`{"from_session":%q}`, s.id))
		if err := s.rm.SubmitWrite(ctx, payload, meta, s.id); err != nil {
			s.log.Error().Err(err).Msg("write rejected by store")
			_ = s.conn.WriteText(ControlFrame{Code: "write_failed", Message: "could not persist update"}.encode())
		}
		return false

	default:
		s.log.Warn().Int("kind", int(kind)).Msg("unknown frame kind")
		return false
	}
}

// handleControl processes one control message from the Hub (spec.md §4.5
// "Control messages"). Returns true if the session should stop serving.
func (s *Session) handleControl(ctx context.Context, msg room.ControlMessage) bool {
	switch msg.Kind {
	case room.AccessRevoked:
		if msg.UserID != s.user.ID {
			return false
		}
		level, err := s.deps.Resolver.GetAccessLevel(ctx, s.user.ID, s.pageSnapshot(), s.projectSnapshot())
		if err != nil {
			s.log.Warn().Err(err).Msg("re-check access failed")
			return false
		}
		if level.CanRead() {
			s.mu.Lock()
			s.level = level
			s.mu.Unlock()
			return false // dual access path still holds; stay connected
		}
		_ = s.conn.WriteText(ControlFrame{Code: "access_revoked"}.encode())
		_ = s.conn.CloseWithCode(CloseAccessRevoked, "access revoked")
		return true

	case room.WritePermissionRevoked:
		if msg.UserID != s.user.ID {
			return false
		}
		level, err := s.deps.Resolver.GetAccessLevel(ctx, s.user.ID, s.pageSnapshot(), s.projectSnapshot())
		if err != nil {
			s.log.Warn().Err(err).Msg("re-check access failed")
			return false
		}
		s.mu.Lock()
		s.level = level
		s.mu.Unlock()
		return false

	case room.LinksUpdated:
		_ = s.conn.WriteText(ControlFrame{Code: "links_updated", PageExternalID: msg.PageExternalID}.encode())
		return false

	default:
		return false
	}
}

func (s *Session) pageSnapshot() perm.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) projectSnapshot() perm.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// disconnect implements spec.md §4.5 "Disconnect": deregister, checkpoint
// if last out, release the room.
func (s *Session) disconnect(ctx context.Context) {
	s.setState(StateClosing)
	s.deps.Hub.Leave(s.roomID, s)
	metrics.SessionsActive.WithLabelValues(s.roomID).Dec()
	s.deps.Rooms.Release(ctx, s.roomID)
}
