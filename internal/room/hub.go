// Package room implements RoomHub (the process-wide session registry and
// broadcast fan-out, spec.md §4.2) and the per-room actor that serializes
// writes against the shared CRDT replica (spec.md §4.5/§5/§9).
package room

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc/internal/log"
)

// ControlKind enumerates the typed control messages RoomHub fans out.
type ControlKind string

const (
	AccessRevoked          ControlKind = "access_revoked"
	WritePermissionRevoked ControlKind = "write_permission_revoked"
	LinksUpdated           ControlKind = "links_updated"
)

// ControlMessage is a typed control message delivered to every session in a
// room; user-targeted kinds carry UserID and each Recipient is responsible
// for filtering by it (spec.md §4.2).
type ControlMessage struct {
	Kind           ControlKind
	UserID         string // target user for access_revoked / write_permission_revoked
	PageExternalID string // payload for links_updated
}

// Recipient is implemented by Session. Deliver/DeliverControl must not block
// the caller for long — Hub calls them synchronously while iterating a
// room's membership, so a slow recipient delays delivery to the rest of the
// room (spec.md §4.2's ordering guarantee requires in-order, not concurrent,
// delivery per room).
type Recipient interface {
	SessionID() string
	UserID() string
	Deliver(updateBytes []byte) error
	DeliverControl(msg ControlMessage) error
}

// Backplane lets RoomHub fan broadcasts out across worker processes, e.g.
// via NATS (spec.md §4.2's "pub/sub backplane"). A nil Backplane makes the
// Hub in-process-only, which spec.md explicitly allows for single-worker
// deployments and tests.
type Backplane interface {
	Publish(ctx context.Context, roomID string, env Envelope) error
	Subscribe(ctx context.Context, roomID string, onEnvelope func(Envelope)) (unsubscribe func() error, err error)
}

// Envelope is what crosses the Backplane: either a broadcast update frame or
// a control message, tagged with the originating session so a process never
// re-delivers its own publish back to the session that produced it.
type Envelope struct {
	OriginSessionID string
	UpdateBytes     []byte
	Control         *ControlMessage
}

// Hub is the process-wide registry mapping room id to the set of live
// sessions in it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Recipient

	bus  Backplane
	subs map[string]func() error // roomID -> unsubscribe, held while rooms[roomID] is non-empty

	log zerolog.Logger
}

// New creates a Hub. bus may be nil for an in-process-only deployment.
func New(bus Backplane) *Hub {
	return &Hub{
		rooms: make(map[string]map[string]Recipient),
		subs:  make(map[string]func() error),
		bus:   bus,
		log:   log.WithComponent("room_hub"),
	}
}

// Join registers sess under roomID.
func (h *Hub) Join(ctx context.Context, roomID string, sess Recipient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]Recipient)
		h.rooms[roomID] = members
		if h.bus != nil {
			unsub, err := h.bus.Subscribe(ctx, roomID, func(env Envelope) {
				h.deliverLocal(roomID, env, env.OriginSessionID)
			})
			if err != nil {
				h.log.Error().Err(err).Str("room_id", roomID).Msg("backplane subscribe failed")
			} else {
				h.subs[roomID] = unsub
			}
		}
	}
	members[sess.SessionID()] = sess
	return nil
}

// Leave deregisters sess from roomID. Returns the number of sessions
// remaining in the room.
func (h *Hub) Leave(roomID string, sess Recipient) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, sess.SessionID())
	remaining := len(members)
	if remaining == 0 {
		delete(h.rooms, roomID)
		if unsub, ok := h.subs[roomID]; ok {
			if err := unsub(); err != nil {
				h.log.Warn().Err(err).Str("room_id", roomID).Msg("backplane unsubscribe failed")
			}
			delete(h.subs, roomID)
		}
	}
	return remaining
}

// Broadcast delivers updateBytes to every local session registered for
// roomID except the originator, then (if a Backplane is configured)
// publishes it for other processes' sessions. Must be called by the room's
// single writer (the room actor) so ordering matches spec.md §4.2/§5.
func (h *Hub) Broadcast(ctx context.Context, roomID string, updateBytes []byte, exceptSessionID string) {
	h.deliverLocal(roomID, Envelope{OriginSessionID: exceptSessionID, UpdateBytes: updateBytes}, exceptSessionID)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomID, Envelope{OriginSessionID: exceptSessionID, UpdateBytes: updateBytes}); err != nil {
			h.log.Error().Err(err).Str("room_id", roomID).Msg("backplane publish failed")
		}
	}
}

// SendControl delivers a control message to every local session in roomID,
// then publishes it across the backplane.
func (h *Hub) SendControl(ctx context.Context, roomID string, msg ControlMessage) {
	h.deliverLocal(roomID, Envelope{Control: &msg}, "")
	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomID, Envelope{Control: &msg}); err != nil {
			h.log.Error().Err(err).Str("room_id", roomID).Msg("backplane control publish failed")
		}
	}
}

func (h *Hub) deliverLocal(roomID string, env Envelope, exceptSessionID string) {
	h.mu.RLock()
	members := make([]Recipient, 0, len(h.rooms[roomID]))
	for id, r := range h.rooms[roomID] {
		if id == exceptSessionID {
			continue
		}
		members = append(members, r)
	}
	h.mu.RUnlock()

	for _, r := range members {
		var err error
		if env.Control != nil {
			err = r.DeliverControl(*env.Control)
		} else {
			err = r.Deliver(env.UpdateBytes)
		}
		if err != nil {
			h.log.Warn().Err(err).Str("room_id", roomID).Str("session_id", r.SessionID()).Msg("delivery failed")
		}
	}
}

// RoomSize returns the number of live sessions in roomID.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
