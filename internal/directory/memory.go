// Package directory provides an in-memory implementation of
// session.Directory (perm.PageDirectory + perm.DataSource). The real
// permission storage (orgs, projects, pages, editor roles) is an external
// service out of scope for this repo (spec.md §1) — Memory exists as a
// test double and as the default standalone-demo backend, grounded in the
// in-process fake-store pattern element-hq-dendrite's tests use for its
// storage interfaces.
package directory

import (
	"context"
	"sync"

	"github.com/Polqt/collabdoc/internal/perm"
)

// Memory is a goroutine-safe in-memory Directory.
type Memory struct {
	mu sync.RWMutex

	pages    map[string]perm.Page // external id -> Page
	projects map[string]perm.Project

	orgAdmins  map[string]map[string]bool // orgID -> userID -> true
	orgMembers map[string]map[string]bool

	projectEditors map[string]map[string]perm.EditorRole // projectID -> userID -> role
	pageEditors    map[string]map[string]perm.EditorRole  // pageID -> userID -> role
}

// NewMemory creates an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{
		pages:          make(map[string]perm.Page),
		projects:       make(map[string]perm.Project),
		orgAdmins:      make(map[string]map[string]bool),
		orgMembers:     make(map[string]map[string]bool),
		projectEditors: make(map[string]map[string]perm.EditorRole),
		pageEditors:    make(map[string]map[string]perm.EditorRole),
	}
}

// PutPage registers a page (keyed by its external id) and its project.
func (m *Memory) PutPage(externalID string, page perm.Page, project perm.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[externalID] = page
	m.projects[project.ID] = project
}

// SetOrgAdmin marks userID as an admin of orgID.
func (m *Memory) SetOrgAdmin(orgID, userID string, admin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFlag(m.orgAdmins, orgID, userID, admin)
}

// SetOrgMember marks userID as a member of orgID.
func (m *Memory) SetOrgMember(orgID, userID string, member bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFlag(m.orgMembers, orgID, userID, member)
}

func (m *Memory) setFlag(set map[string]map[string]bool, key, userID string, on bool) {
	users, ok := set[key]
	if !ok {
		users = make(map[string]bool)
		set[key] = users
	}
	if on {
		users[userID] = true
	} else {
		delete(users, userID)
	}
}

// SetProjectEditor sets (or clears, with role="") userID's role on projectID.
func (m *Memory) SetProjectEditor(projectID, userID string, role perm.EditorRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRole(m.projectEditors, projectID, userID, role)
}

// SetPageEditor sets (or clears, with role="") userID's role on pageID.
func (m *Memory) SetPageEditor(pageID, userID string, role perm.EditorRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRole(m.pageEditors, pageID, userID, role)
}

func (m *Memory) setRole(set map[string]map[string]perm.EditorRole, key, userID string, role perm.EditorRole) {
	roles, ok := set[key]
	if !ok {
		roles = make(map[string]perm.EditorRole)
		set[key] = roles
	}
	if role == "" {
		delete(roles, userID)
		return
	}
	roles[userID] = role
}

func (m *Memory) GetPageByExternalID(_ context.Context, externalID string) (perm.Page, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[externalID]
	if !ok || p.DeletedAt != nil {
		return perm.Page{}, false, nil
	}
	return p, true, nil
}

func (m *Memory) GetProject(_ context.Context, projectID string) (perm.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projects[projectID], nil
}

func (m *Memory) IsOrgAdmin(_ context.Context, userID, orgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orgAdmins[orgID][userID], nil
}

func (m *Memory) IsOrgMember(_ context.Context, userID, orgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orgMembers[orgID][userID], nil
}

func (m *Memory) GetProjectEditorRole(_ context.Context, userID, projectID string) (perm.EditorRole, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.projectEditors[projectID][userID]
	return role, ok, nil
}

func (m *Memory) GetPageEditorRole(_ context.Context, userID, pageID string) (perm.EditorRole, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.pageEditors[pageID][userID]
	return role, ok, nil
}
