package perm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDataSource is a minimal DataSource for exercising Resolver directly.
type fakeDataSource struct {
	orgAdmins      map[string]bool // userID -> admin of the one org in play
	orgMembers     map[string]bool
	projectEditors map[string]EditorRole
	pageEditors    map[string]EditorRole
}

func newFakeDataSource() *fakeDataSource {
	return &fakeDataSource{
		orgAdmins:      map[string]bool{},
		orgMembers:     map[string]bool{},
		projectEditors: map[string]EditorRole{},
		pageEditors:    map[string]EditorRole{},
	}
}

func (f *fakeDataSource) IsOrgAdmin(_ context.Context, userID, _ string) (bool, error) {
	return f.orgAdmins[userID], nil
}
func (f *fakeDataSource) IsOrgMember(_ context.Context, userID, _ string) (bool, error) {
	return f.orgMembers[userID], nil
}
func (f *fakeDataSource) GetProjectEditorRole(_ context.Context, userID, _ string) (EditorRole, bool, error) {
	r, ok := f.projectEditors[userID]
	return r, ok, nil
}
func (f *fakeDataSource) GetPageEditorRole(_ context.Context, userID, _ string) (EditorRole, bool, error) {
	r, ok := f.pageEditors[userID]
	return r, ok, nil
}

func TestGetAccessLevel_CreatorOverrideZeroQueries(t *testing.T) {
	ds := &CountingDataSource{DataSource: newFakeDataSource()}
	r := New(ds)
	project := Project{ID: "p1", CreatorID: "creator"}
	page := Page{ID: "pg1", ProjectID: "p1"}

	level, err := r.GetAccessLevel(context.Background(), "creator", page, project)
	require.NoError(t, err)
	require.Equal(t, Admin, level)
	require.Equal(t, 0, ds.Queries)
}

func TestGetAccessLevel_OrgAdminOneQuery(t *testing.T) {
	fake := newFakeDataSource()
	fake.orgAdmins["alice"] = true
	ds := &CountingDataSource{DataSource: fake}
	r := New(ds)
	project := Project{ID: "p1", OrgID: "org1", CreatorID: "someone-else"}
	page := Page{ID: "pg1", ProjectID: "p1"}

	level, err := r.GetAccessLevel(context.Background(), "alice", page, project)
	require.NoError(t, err)
	require.Equal(t, Admin, level)
	require.Equal(t, 1, ds.Queries)
}

func TestGetAccessLevel_OrgMemberTwoQueries(t *testing.T) {
	fake := newFakeDataSource()
	fake.orgMembers["bob"] = true
	ds := &CountingDataSource{DataSource: fake}
	r := New(ds)
	project := Project{ID: "p1", OrgID: "org1", CreatorID: "someone-else", OrgMembersCanAccess: true}
	page := Page{ID: "pg1", ProjectID: "p1"}

	level, err := r.GetAccessLevel(context.Background(), "bob", page, project)
	require.NoError(t, err)
	require.Equal(t, Editor, level)
	require.Equal(t, 2, ds.Queries)
}

func TestGetAccessLevel_ProjectEditorThreeQueries(t *testing.T) {
	fake := newFakeDataSource()
	fake.projectEditors["carol"] = RoleViewer
	ds := &CountingDataSource{DataSource: fake}
	r := New(ds)
	project := Project{ID: "p1", OrgID: "org1", CreatorID: "someone-else"}
	page := Page{ID: "pg1", ProjectID: "p1"}

	level, err := r.GetAccessLevel(context.Background(), "carol", page, project)
	require.NoError(t, err)
	require.Equal(t, Viewer, level)
	require.Equal(t, 3, ds.Queries)
}

func TestGetAccessLevel_PageEditorAndOutsiderFourQueries(t *testing.T) {
	fake := newFakeDataSource()
	fake.pageEditors["dave"] = RoleEditor
	ds := &CountingDataSource{DataSource: fake}
	r := New(ds)
	project := Project{ID: "p1", OrgID: "org1", CreatorID: "someone-else"}
	page := Page{ID: "pg1", ProjectID: "p1"}

	level, err := r.GetAccessLevel(context.Background(), "dave", page, project)
	require.NoError(t, err)
	require.Equal(t, Editor, level)
	require.Equal(t, 4, ds.Queries)

	ds2 := &CountingDataSource{DataSource: fake}
	r2 := New(ds2)
	level2, err := r2.GetAccessLevel(context.Background(), "nobody", page, project)
	require.NoError(t, err)
	require.Equal(t, None, level2)
	require.Equal(t, 4, ds2.Queries)
}

func TestGetAccessLevel_DualAccessSurvivesProjectEditorRemoval(t *testing.T) {
	fake := newFakeDataSource()
	fake.orgMembers["erin"] = true
	project := Project{ID: "p1", OrgID: "org1", CreatorID: "someone-else", OrgMembersCanAccess: true}
	page := Page{ID: "pg1", ProjectID: "p1"}
	r := New(fake)

	// Still has org-member access after being removed as a project editor.
	level, err := r.GetAccessLevel(context.Background(), "erin", page, project)
	require.NoError(t, err)
	require.Equal(t, Editor, level)
}
