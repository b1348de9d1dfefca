package perm

import "context"

// CountingDataSource wraps a DataSource and counts calls made through it —
// the mechanism spec.md §8's query-count baselines are tested against.
type CountingDataSource struct {
	DataSource
	Queries int
}

func (c *CountingDataSource) IsOrgAdmin(ctx context.Context, userID, orgID string) (bool, error) {
	c.Queries++
	return c.DataSource.IsOrgAdmin(ctx, userID, orgID)
}

func (c *CountingDataSource) IsOrgMember(ctx context.Context, userID, orgID string) (bool, error) {
	c.Queries++
	return c.DataSource.IsOrgMember(ctx, userID, orgID)
}

func (c *CountingDataSource) GetProjectEditorRole(ctx context.Context, userID, projectID string) (EditorRole, bool, error) {
	c.Queries++
	return c.DataSource.GetProjectEditorRole(ctx, userID, projectID)
}

func (c *CountingDataSource) GetPageEditorRole(ctx context.Context, userID, pageID string) (EditorRole, bool, error) {
	c.Queries++
	return c.DataSource.GetPageEditorRole(ctx, userID, pageID)
}
