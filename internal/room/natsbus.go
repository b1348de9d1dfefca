package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSBackplane fans broadcasts out across worker processes over NATS
// core pub/sub, playing the role spec.md §4.2 assigns to "a Redis-backed
// channel layer" — element-hq-dendrite's go.mod is this pack's source for a
// pub/sub client, and NATS is the library it carries.
type NATSBackplane struct {
	nc *nats.Conn
}

// NewNATSBackplane connects to url (e.g. "nats://localhost:4222").
func NewNATSBackplane(url string) (*NATSBackplane, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrap(err, "room: connect nats")
	}
	return &NATSBackplane{nc: nc}, nil
}

func subject(roomID string) string { return fmt.Sprintf("collabdoc.room.%s", roomID) }

// wireEnvelope is Envelope's JSON wire form.
type wireEnvelope struct {
	OriginSessionID string          `json:"origin_session_id"`
	UpdateBytes     []byte          `json:"update_bytes,omitempty"`
	Control         *ControlMessage `json:"control,omitempty"`
}

func (b *NATSBackplane) Publish(_ context.Context, roomID string, env Envelope) error {
	payload, err := json.Marshal(wireEnvelope{
		OriginSessionID: env.OriginSessionID,
		UpdateBytes:     env.UpdateBytes,
		Control:         env.Control,
	})
	if err != nil {
		return errors.Wrap(err, "room: marshal envelope")
	}
	return errors.Wrap(b.nc.Publish(subject(roomID), payload), "room: nats publish")
}

func (b *NATSBackplane) Subscribe(_ context.Context, roomID string, onEnvelope func(Envelope)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject(roomID), func(msg *nats.Msg) {
		var we wireEnvelope
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			return
		}
		onEnvelope(Envelope{
			OriginSessionID: we.OriginSessionID,
			UpdateBytes:     we.UpdateBytes,
			Control:         we.Control,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "room: nats subscribe")
	}
	return sub.Unsubscribe, nil
}
