package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const resourceColumns = `id, name, description, uri, mime_type, owner_user_id,
	allowed_users, org_id, is_global, source_server_id, original_name,
	is_active, created_at, updated_at`

// CreateResourceTx inserts a new resource and populates its ID.
func (s *Store) CreateResourceTx(ctx context.Context, tx *sqlx.Tx, r *Resource) error {
	return createResource(ctx, tx, r)
}

// CreateResource inserts a new resource outside a transaction.
func (s *Store) CreateResource(ctx context.Context, r *Resource) error {
	return createResource(ctx, s.db, r)
}

func createResource(ctx context.Context, q sqlx.ExtContext, r *Resource) error {
	const query = `
		INSERT INTO mcp.resources (name, description, uri, mime_type,
			owner_user_id, allowed_users, org_id, is_global, source_server_id,
			original_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	row := q.QueryRowxContext(ctx, query,
		r.Name, r.Description, r.URI, r.MimeType, r.OwnerUserID,
		r.AllowedUsers, r.OrgID, r.IsGlobal, r.SourceServerID,
		r.OriginalName, r.IsActive)
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("resource %q: %w", r.Name, ErrDuplicateName)
		}
		return fmt.Errorf("create resource %q: %w", r.Name, err)
	}
	return nil
}

// UpdateResourceTx overwrites the mutable fields of an existing resource.
func (s *Store) UpdateResourceTx(ctx context.Context, tx *sqlx.Tx, r *Resource) error {
	const query = `
		UPDATE mcp.resources
		SET description = $2, uri = $3, mime_type = $4, allowed_users = $5,
			is_active = $6, updated_at = now()
		WHERE id = $1`

	res, err := tx.ExecContext(ctx, query, r.ID, r.Description, r.URI, r.MimeType, r.AllowedUsers, r.IsActive)
	if err != nil {
		return fmt.Errorf("update resource %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update resource %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetResourceByURI fetches a resource by its exposed URI.
func (s *Store) GetResourceByURI(ctx context.Context, uri string, orgID *string) (*Resource, error) {
	var r Resource
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.resources
		WHERE uri = $1 AND (is_global OR ($2::uuid IS NOT NULL AND org_id = $2))
		ORDER BY is_global ASC
		LIMIT 1`, resourceColumns)
	if err := s.db.GetContext(ctx, &r, query, uri, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("get resource %q: %w", uri, err)
	}
	return &r, nil
}

// GetResourceByName fetches a resource by its scoped name.
func (s *Store) GetResourceByName(ctx context.Context, name string, orgID *string) (*Resource, error) {
	var r Resource
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.resources
		WHERE name = $1 AND (is_global OR ($2::uuid IS NOT NULL AND org_id = $2))
		ORDER BY is_global ASC
		LIMIT 1`, resourceColumns)
	if err := s.db.GetContext(ctx, &r, query, name, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resource %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get resource %q: %w", name, err)
	}
	return &r, nil
}

// ListResources returns resources visible under the filter, ordered by name.
func (s *Store) ListResources(ctx context.Context, f ToolFilter) ([]Resource, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.resources
		WHERE (is_global OR ($1::uuid IS NOT NULL AND org_id = $1))
		  AND ($2::uuid IS NULL OR source_server_id = $2)
		  AND (NOT $3::boolean OR is_active)
		ORDER BY name`, resourceColumns)

	var resources []Resource
	if err := s.db.SelectContext(ctx, &resources, query, f.OrgID, f.SourceServerID, f.ActiveOnly); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return resources, nil
}

// DeactivateInternalResourcesExcept retires internal resources not seen by
// the latest scan. Returns the ids retired.
func (s *Store) DeactivateInternalResourcesExcept(ctx context.Context, seen []string) ([]int64, error) {
	query := `
		UPDATE mcp.resources SET is_active = FALSE, updated_at = now()
		WHERE source_server_id IS NULL AND is_active AND NOT (name = ANY($1))
		RETURNING id`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, seen); err != nil {
		return nil, fmt.Errorf("deactivate internal resources: %w", err)
	}
	return ids, nil
}

// DeleteResourcesByServerTx removes every resource owned by the server and
// returns their ids.
func (s *Store) DeleteResourcesByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	const query = `
		WITH deleted AS (
			DELETE FROM mcp.resources WHERE source_server_id = $1 RETURNING id
		) SELECT id FROM deleted`

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, query, serverID); err != nil {
		return nil, fmt.Errorf("delete resources for server %s: %w", serverID, err)
	}
	return ids, nil
}

// GetResource fetches a resource by primary key.
func (s *Store) GetResource(ctx context.Context, id int64) (*Resource, error) {
	var r Resource
	query := fmt.Sprintf("SELECT %s FROM mcp.resources WHERE id = $1", resourceColumns)
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resource %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get resource %d: %w", id, err)
	}
	return &r, nil
}

// DeleteResourcesByIDsTx removes the given resources inside a transaction.
func (s *Store) DeleteResourcesByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM mcp.resources WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("build resource delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete resources: %w", err)
	}
	return nil
}
