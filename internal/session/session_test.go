package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabdoc/internal/directory"
	"github.com/Polqt/collabdoc/internal/perm"
	"github.com/Polqt/collabdoc/internal/ratelimit"
	"github.com/Polqt/collabdoc/internal/room"
	"github.com/Polqt/collabdoc/internal/store"
	"github.com/Polqt/collabdoc/internal/store/memstore"
)

// fakeFrame is one inbound frame fakeConn feeds to Session, or a terminal
// error (e.g. client hangup) that ends the read loop.
type fakeFrame struct {
	text bool
	data []byte
	err  error
}

// fakeConn is a controllable session.Conn double: tests push inbound frames
// onto in and inspect what Session wrote via binary/text/closed.
type fakeConn struct {
	in chan fakeFrame

	mu        sync.Mutex
	binary    [][]byte
	text      [][]byte
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan fakeFrame, 16)}
}

func (f *fakeConn) ReadFrame(ctx context.Context) (bool, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.text, fr.data, fr.err
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (f *fakeConn) WriteBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeConn) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append(f.text, data)
	return nil
}

func (f *fakeConn) CloseWithCode(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "10.0.0.9:1234" }

func (f *fakeConn) snapshotText() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.text))
	copy(out, f.text)
	return out
}

func (f *fakeConn) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func (f *fakeConn) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binary)
}

// testHarness wires a full Deps graph backed by in-memory fakes.
type testHarness struct {
	dir   *directory.Memory
	store *memstore.Store
	hub   *room.Hub
	rooms *room.Manager
	rl    *ratelimit.Limiter
}

func newHarness(maxConnects int) *testHarness {
	dir := directory.NewMemory()
	st := memstore.New()
	hub := room.New(nil)
	rooms := room.NewManager(hub, st, "node1", 3600, 1<<30, nil, false)
	rl := ratelimit.New(maxConnects, time.Minute)
	return &testHarness{dir: dir, store: st, hub: hub, rooms: rooms, rl: rl}
}

func (h *testHarness) deps() Deps {
	return Deps{Rooms: h.rooms, Hub: h.hub, Resolver: perm.New(h.dir), Directory: h.dir, RateLimit: h.rl}
}

func seedPage(dir *directory.Memory, externalID, userID string, level perm.AccessLevel) {
	project := perm.Project{ID: "proj_" + externalID, OrgID: "org1"}
	page := perm.Page{ID: "pg_" + externalID, ProjectID: project.ID}
	switch level {
	case perm.Admin:
		project.CreatorID = userID
	case perm.Editor:
		dir.SetPageEditor(page.ID, userID, perm.RoleEditor)
	case perm.Viewer:
		dir.SetPageEditor(page.ID, userID, perm.RoleViewer)
	}
	dir.PutPage(externalID, page, project)
}

func TestSession_RateLimitedConnectionIsRejected(t *testing.T) {
	h := newHarness(0) // max=0: first attempt already over budget
	conn := newFakeConn()
	sess := New(h.deps(), conn, User{ID: "alice", Authenticated: true}, "10.0.0.1", "page1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess.Run(ctx)

	closed, code := conn.isClosed()
	require.True(t, closed)
	require.Equal(t, CloseRateLimited, code)
	require.Len(t, conn.snapshotText(), 1)
}

func TestSession_ViewerWriteIsRejectedWithoutPersistOrBroadcast(t *testing.T) {
	h := newHarness(10)
	seedPage(h.dir, "page1", "viewerUser", perm.Viewer)
	conn := newFakeConn()
	sess := New(h.deps(), conn, User{ID: "viewerUser", Authenticated: true}, "10.0.0.2", "page1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sess.Run(ctx); close(done) }()

	// First binary write from server is the state vector handshake frame.
	require.Eventually(t, func() bool { return conn.binaryCount() >= 1 }, time.Second, 5*time.Millisecond)

	updateFrame := encodeFrame(KindUpdate, []byte(`{"kind":"insert","node":{}}`))
	conn.in <- fakeFrame{data: updateFrame}

	require.Eventually(t, func() bool { return len(conn.snapshotText()) >= 1 }, time.Second, 5*time.Millisecond)
	texts := conn.snapshotText()
	require.Contains(t, string(texts[len(texts)-1]), "read_only")

	maxID, err := h.store.GetMaxID(context.Background(), "page_page1")
	require.NoError(t, err)
	require.Equal(t, int64(0), maxID, "viewer write must not be persisted")

	cancel()
	<-done
}

func TestSession_AccessRevokedWithNoOtherPathCloses4001(t *testing.T) {
	h := newHarness(10)
	seedPage(h.dir, "page1", "bob", perm.Editor)
	conn := newFakeConn()
	sess := New(h.deps(), conn, User{ID: "bob", Authenticated: true}, "10.0.0.3", "page1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { sess.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return conn.binaryCount() >= 1 }, time.Second, 5*time.Millisecond)

	h.dir.SetPageEditor("pg_page1", "bob", "")
	h.hub.SendControl(context.Background(), "page_page1", room.ControlMessage{Kind: room.AccessRevoked, UserID: "bob"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after access revoked")
	}

	closed, code := conn.isClosed()
	require.True(t, closed)
	require.Equal(t, CloseAccessRevoked, code)
}

func TestSession_AccessRevokedSurvivesWhenDualPathStillHolds(t *testing.T) {
	h := newHarness(10)
	// erin has both page-editor rights AND org-member access; removing the
	// page-editor grant alone must not disconnect her.
	project := perm.Project{ID: "proj_page1", OrgID: "org1", OrgMembersCanAccess: true}
	page := perm.Page{ID: "pg_page1", ProjectID: project.ID}
	h.dir.PutPage("page1", page, project)
	h.dir.SetPageEditor(page.ID, "erin", perm.RoleEditor)
	h.dir.SetOrgMember(project.OrgID, "erin", true)

	conn := newFakeConn()
	sess := New(h.deps(), conn, User{ID: "erin", Authenticated: true}, "10.0.0.4", "page1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { sess.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return conn.binaryCount() >= 1 }, time.Second, 5*time.Millisecond)

	h.dir.SetPageEditor(page.ID, "erin", "")
	h.hub.SendControl(context.Background(), "page_page1", room.ControlMessage{Kind: room.AccessRevoked, UserID: "erin"})

	time.Sleep(50 * time.Millisecond)
	closed, _ := conn.isClosed()
	require.False(t, closed, "session with a surviving access path must stay connected")

	cancel()
	<-done
}

func TestSession_DisconnectWithoutEditsSkipsSnapshot(t *testing.T) {
	h := newHarness(10)
	seedPage(h.dir, "page1", "dave", perm.Editor)
	conn := newFakeConn()
	sess := New(h.deps(), conn, User{ID: "dave", Authenticated: true}, "10.0.0.5", "page1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sess.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return conn.binaryCount() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	_, err := h.store.GetSnapshot(context.Background(), "page_page1")
	require.ErrorIs(t, err, store.ErrNoSnapshot)
}
