// Package perm implements PermissionResolver: the three-tier access model
// of spec.md §4.3. It treats the permission storage (orgs, projects, pages,
// editor roles) as an external data layer — out of scope per spec.md §1 —
// and only defines the DataSource interface the core consumes from it.
package perm

import (
	"context"
)

// AccessLevel is the computed authorization outcome for a (user, page) pair.
type AccessLevel int

const (
	None AccessLevel = iota
	Viewer
	Editor
	Admin
)

func (l AccessLevel) String() string {
	switch l {
	case Admin:
		return "admin"
	case Editor:
		return "editor"
	case Viewer:
		return "viewer"
	default:
		return "none"
	}
}

// CanRead reports whether l admits read access (sync step 1, broadcasts).
func (l AccessLevel) CanRead() bool { return l != None }

// CanWrite reports whether l admits mutation frames.
func (l AccessLevel) CanWrite() bool { return l == Editor || l == Admin }

// EditorRole is the role stored on a project_editors or page_editors record.
type EditorRole string

const (
	RoleEditor EditorRole = "editor"
	RoleViewer EditorRole = "viewer"
)

// Page is the subset of page attributes the resolver needs. Callers resolve
// it (and Project, below) from the external data layer before calling
// GetAccessLevel — those lookups are not counted against the resolver's own
// query budget (spec.md §4.3, §8).
type Page struct {
	ID        string
	ProjectID string
	CreatorID string
	DeletedAt *int64 // unix seconds; non-nil means soft-deleted
}

// Project is the subset of project attributes the resolver needs.
type Project struct {
	ID                  string
	OrgID               string
	CreatorID           string
	OrgMembersCanAccess bool
}

// DataSource abstracts the external permission storage: org_members,
// project_editors, page_editors (spec.md §6). Implementations live outside
// this repo's scope; collabdoc only depends on this interface.
type DataSource interface {
	IsOrgAdmin(ctx context.Context, userID, orgID string) (bool, error)
	IsOrgMember(ctx context.Context, userID, orgID string) (bool, error)
	GetProjectEditorRole(ctx context.Context, userID, projectID string) (role EditorRole, ok bool, err error)
	GetPageEditorRole(ctx context.Context, userID, pageID string) (role EditorRole, ok bool, err error)
}

// PageDirectory resolves a page by its external id and fetches the project
// it belongs to — the lookups Session performs before calling
// Resolver.GetAccessLevel, kept separate from DataSource because they
// address pages/projects directly rather than membership edges.
type PageDirectory interface {
	// GetPageByExternalID returns ok=false if the page is missing or
	// soft-deleted (spec.md §4.5 step 3).
	GetPageByExternalID(ctx context.Context, externalID string) (page Page, ok bool, err error)
	GetProject(ctx context.Context, projectID string) (Project, error)
}

// Resolver evaluates the three-tier access model with short-circuit
// evaluation, per spec.md §4.3.
type Resolver struct {
	ds DataSource
}

// New creates a Resolver backed by ds.
func New(ds DataSource) *Resolver {
	return &Resolver{ds: ds}
}

// GetAccessLevel returns the access level for userID against page within
// project. page and project must already be loaded by the caller; tier
// lookups against ds are short-circuited so the measured query count matches
// spec.md §8's baselines: creator 0, org admin 1, org member 2,
// project editor 3, page editor 4 (outsider also 4).
func (r *Resolver) GetAccessLevel(ctx context.Context, userID string, page Page, project Project) (AccessLevel, error) {
	// Tier 0a: creator override, 0 queries.
	if project.CreatorID != "" && project.CreatorID == userID {
		return Admin, nil
	}

	// Tier 0b: org admin, 1 query.
	isAdmin, err := r.ds.IsOrgAdmin(ctx, userID, project.OrgID)
	if err != nil {
		return None, err
	}
	if isAdmin {
		return Admin, nil
	}

	// Tier 1: org member with org-wide access enabled, 2nd query.
	isMember, err := r.ds.IsOrgMember(ctx, userID, project.OrgID)
	if err != nil {
		return None, err
	}
	if isMember && project.OrgMembersCanAccess {
		return Editor, nil
	}

	// Tier 2: explicit project editor record, 3rd query.
	projRole, ok, err := r.ds.GetProjectEditorRole(ctx, userID, project.ID)
	if err != nil {
		return None, err
	}
	if ok {
		if projRole == RoleEditor {
			return Editor, nil
		}
		return Viewer, nil
	}

	// Tier 3: explicit page editor record, 4th query.
	pageRole, ok, err := r.ds.GetPageEditorRole(ctx, userID, page.ID)
	if err != nil {
		return None, err
	}
	if ok {
		if pageRole == RoleEditor {
			return Editor, nil
		}
		return Viewer, nil
	}

	return None, nil
}
