package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRecipient struct {
	sessionID string
	userID    string
	updates   [][]byte
	controls  []ControlMessage
}

func (f *fakeRecipient) SessionID() string { return f.sessionID }
func (f *fakeRecipient) UserID() string    { return f.userID }
func (f *fakeRecipient) Deliver(updateBytes []byte) error {
	f.updates = append(f.updates, updateBytes)
	return nil
}
func (f *fakeRecipient) DeliverControl(msg ControlMessage) error {
	f.controls = append(f.controls, msg)
	return nil
}

func TestHub_BroadcastSkipsOriginator(t *testing.T) {
	h := New(nil)
	a := &fakeRecipient{sessionID: "sess-a", userID: "alice"}
	b := &fakeRecipient{sessionID: "sess-b", userID: "bob"}
	require.NoError(t, h.Join(context.Background(), "room1", a))
	require.NoError(t, h.Join(context.Background(), "room1", b))

	h.Broadcast(context.Background(), "room1", []byte("hello"), "sess-a")

	require.Empty(t, a.updates)
	require.Equal(t, [][]byte{[]byte("hello")}, b.updates)
}

func TestHub_LeaveRemovesSessionAndRoomWhenEmpty(t *testing.T) {
	h := New(nil)
	a := &fakeRecipient{sessionID: "sess-a", userID: "alice"}
	require.NoError(t, h.Join(context.Background(), "room1", a))
	require.Equal(t, 1, h.RoomSize("room1"))

	remaining := h.Leave("room1", a)
	require.Equal(t, 0, remaining)
	require.Equal(t, 0, h.RoomSize("room1"))
}

func TestHub_SendControlFansOutToAllMembers(t *testing.T) {
	h := New(nil)
	a := &fakeRecipient{sessionID: "sess-a", userID: "alice"}
	b := &fakeRecipient{sessionID: "sess-b", userID: "bob"}
	require.NoError(t, h.Join(context.Background(), "room1", a))
	require.NoError(t, h.Join(context.Background(), "room1", b))

	msg := ControlMessage{Kind: LinksUpdated, PageExternalID: "page_1"}
	h.SendControl(context.Background(), "room1", msg)

	require.Equal(t, []ControlMessage{msg}, a.controls)
	require.Equal(t, []ControlMessage{msg}, b.controls)
}

func TestHub_RoomsAreIndependent(t *testing.T) {
	h := New(nil)
	a := &fakeRecipient{sessionID: "sess-a", userID: "alice"}
	require.NoError(t, h.Join(context.Background(), "room1", a))

	h.Broadcast(context.Background(), "room2", []byte("other room"), "")
	require.Empty(t, a.updates)
}
