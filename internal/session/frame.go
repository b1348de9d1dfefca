package session

import "encoding/json"

// FrameKind tags the first byte of every binary frame exchanged over the
// WebSocket. Binary frames carry CRDT protocol messages (spec.md §6); this
// tiny envelope is what lets collabdoc tell a state-vector request (sync
// step 1) apart from an update (sync step 2) without a parser dependency on
// the client's CRDT library.
type FrameKind byte

const (
	// KindServerStateVector is sent once, server to client, right after
	// handshake: the document's state vector (spec.md §4.5 step 7).
	KindServerStateVector FrameKind = 1
	// KindSyncStep1 is a client request carrying its own state vector.
	KindSyncStep1 FrameKind = 2
	// KindSyncStep2 is the server's reply: the ops the client is missing.
	KindSyncStep2 FrameKind = 3
	// KindUpdate carries a single CRDT mutation (insert or delete op).
	KindUpdate FrameKind = 4
)

func encodeFrame(kind FrameKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

func decodeFrame(data []byte) (FrameKind, []byte, bool) {
	if len(data) < 1 {
		return 0, nil, false
	}
	return FrameKind(data[0]), data[1:], true
}

// ControlFrame is the JSON shape of a text control frame (spec.md §6).
type ControlFrame struct {
	Code           string `json:"code"`
	Message        string `json:"message,omitempty"`
	PageExternalID string `json:"page_external_id,omitempty"`
}

func (c ControlFrame) encode() []byte {
	b, _ := json.Marshal(c)
	return b
}
