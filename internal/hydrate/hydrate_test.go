package hydrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabdoc/internal/crdt"
	"github.com/Polqt/collabdoc/internal/store/memstore"
)

func insertOp(t *testing.T, doc *crdt.Document, after crdt.RGANodeID, ch rune) ([]byte, []byte) {
	t.Helper()
	u, m, err := doc.InsertLocal(after, ch)
	require.NoError(t, err)
	return u, m
}

func TestHydrate_NoSnapshotNoUpdates(t *testing.T) {
	st := memstore.New()
	doc := crdt.NewDocument("n1")
	maxID, err := Hydrate(context.Background(), st, "page_x", doc)
	require.NoError(t, err)
	require.Equal(t, int64(0), maxID)
	require.Equal(t, "", doc.Text())
}

func TestHydrate_FullReplayWhenNoSnapshot(t *testing.T) {
	st := memstore.New()
	source := crdt.NewDocument("writer")
	u1, m1 := insertOp(t, source, crdt.RGANodeID{}, 'h')
	_, err := st.Append(context.Background(), "page_x", u1, m1)
	require.NoError(t, err)
	u2, m2 := insertOp(t, source, crdt.RGANodeID{Seq: 1, NodeID: "writer"}, 'i')
	_, err = st.Append(context.Background(), "page_x", u2, m2)
	require.NoError(t, err)

	doc := crdt.NewDocument("reader")
	maxID, err := Hydrate(context.Background(), st, "page_x", doc)
	require.NoError(t, err)
	require.Equal(t, int64(2), maxID)
	require.Equal(t, "hi", doc.Text())
}

func TestHydrate_FastPathUsesSnapshotPlusSince(t *testing.T) {
	st := memstore.New()
	source := crdt.NewDocument("writer")
	u1, m1 := insertOp(t, source, crdt.RGANodeID{}, 'a')
	id1, err := st.Append(context.Background(), "page_x", u1, m1)
	require.NoError(t, err)

	snap, err := source.Encode()
	require.NoError(t, err)
	require.NoError(t, st.UpsertSnapshot(context.Background(), "page_x", snap, id1))

	u2, m2 := insertOp(t, source, crdt.RGANodeID{Seq: 1, NodeID: "writer"}, 'b')
	_, err = st.Append(context.Background(), "page_x", u2, m2)
	require.NoError(t, err)

	doc := crdt.NewDocument("reader")
	maxID, err := Hydrate(context.Background(), st, "page_x", doc)
	require.NoError(t, err)
	require.Equal(t, int64(2), maxID)
	require.Equal(t, "ab", doc.Text())
}

func TestHydrate_FallsBackOnCorruptSnapshot(t *testing.T) {
	st := memstore.New()
	source := crdt.NewDocument("writer")
	u1, m1 := insertOp(t, source, crdt.RGANodeID{}, 'z')
	id1, err := st.Append(context.Background(), "page_x", u1, m1)
	require.NoError(t, err)

	st.PutSnapshotForTest("page_x", []byte{0x00, 0x00}, id1)

	doc := crdt.NewDocument("reader")
	maxID, err := Hydrate(context.Background(), st, "page_x", doc)
	require.NoError(t, err)
	require.Equal(t, int64(1), maxID)
	require.Equal(t, "z", doc.Text())
}
