package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRGAInsertAndText(t *testing.T) {
	r := NewRGA()
	a := r.Insert(RGANodeID{}, 'h', "n1")
	b := r.Insert(a.ID, 'i', "n1")
	require.Equal(t, "hi", r.Text())
	r.Delete(b.ID)
	require.Equal(t, "h", r.Text())
}

func TestRGAApplyIsIdempotent(t *testing.T) {
	r := NewRGA()
	node := r.Insert(RGANodeID{}, 'x', "n1")
	require.NoError(t, r.Apply(node))
	require.Equal(t, "x", r.Text())
}

func TestRGASnapshotRoundTrip(t *testing.T) {
	r := NewRGA()
	r.Insert(RGANodeID{}, 'a', "n1")
	r.Insert(r.Snapshot()[0].ID, 'b', "n1")

	snap := r.Snapshot()
	r2 := NewRGA()
	r2.LoadSnapshot(snap)
	require.Equal(t, r.Text(), r2.Text())
}

func TestDocumentEmptyEncodesToSentinel(t *testing.T) {
	d := NewDocument("n1")
	b, err := d.Encode()
	require.NoError(t, err)
	require.LessOrEqual(t, len(b), 2, "empty document must encode to the <=2 byte sentinel")
}

func TestDocumentInsertBroadcastAndApplyConverge(t *testing.T) {
	writer := NewDocument("writer")
	reader := NewDocument("reader")

	update, _, err := writer.InsertLocal(crdtZeroID(), 'h')
	require.NoError(t, err)
	require.NoError(t, reader.ApplyRemote(update))
	require.Equal(t, writer.Text(), reader.Text())
}

func crdtZeroID() RGANodeID { return RGANodeID{} }

func TestDocumentDiffSince(t *testing.T) {
	writer := NewDocument("writer")
	sv0, err := writer.StateVectorBytes()
	require.NoError(t, err)

	_, _, err = writer.InsertLocal(RGANodeID{}, 'a')
	require.NoError(t, err)

	diff, err := writer.DiffSince(sv0)
	require.NoError(t, err)
	require.NotEmpty(t, diff)
}

func TestVClockHappensBeforeAndConcurrent(t *testing.T) {
	v1 := VClock{"a": 1}
	v2 := v1.Increment("a")
	require.True(t, v1.HappensBefore(v2))
	require.False(t, v2.HappensBefore(v1))

	v3 := VClock{"b": 1}
	require.True(t, v1.Concurrent(v3))
}
