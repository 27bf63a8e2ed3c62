package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const toolColumns = `id, name, description, input_schema, annotations, category,
	security_level, org_id, is_global, source_server_id, original_name,
	skill_ids, primary_skill_id, is_classified, is_active, created_at, updated_at`

// ToolFilter narrows ListTools results. A nil OrgID restricts the listing to
// global records; a set OrgID additionally includes that tenant's records.
type ToolFilter struct {
	OrgID          *string
	SourceServerID *string
	ActiveOnly     bool
}

// CreateTool inserts a new tool and populates its ID.
func (s *Store) CreateTool(ctx context.Context, t *Tool) error {
	return createTool(ctx, s.db, t)
}

// CreateToolTx is CreateTool inside an existing transaction.
func (s *Store) CreateToolTx(ctx context.Context, tx *sqlx.Tx, t *Tool) error {
	return createTool(ctx, tx, t)
}

func createTool(ctx context.Context, q sqlx.ExtContext, t *Tool) error {
	const query = `
		INSERT INTO mcp.tools (name, description, input_schema, annotations,
			category, security_level, org_id, is_global, source_server_id,
			original_name, skill_ids, primary_skill_id, is_classified, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	row := q.QueryRowxContext(ctx, query,
		t.Name, t.Description, t.InputSchema, t.Annotations, t.Category,
		t.SecurityLevel, t.OrgID, t.IsGlobal, t.SourceServerID, t.OriginalName,
		t.SkillIDs, t.PrimarySkillID, t.IsClassified, t.IsActive)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tool %q: %w", t.Name, ErrDuplicateName)
		}
		return fmt.Errorf("create tool %q: %w", t.Name, err)
	}
	return nil
}

// UpdateTool overwrites the mutable descriptor fields of an existing tool.
// Classification fields are managed separately by UpdateToolClassification.
func (s *Store) UpdateTool(ctx context.Context, t *Tool) error {
	return updateTool(ctx, s.db, t)
}

// UpdateToolTx is UpdateTool inside an existing transaction.
func (s *Store) UpdateToolTx(ctx context.Context, tx *sqlx.Tx, t *Tool) error {
	return updateTool(ctx, tx, t)
}

func updateTool(ctx context.Context, q sqlx.ExtContext, t *Tool) error {
	const query = `
		UPDATE mcp.tools
		SET description = $2, input_schema = $3, annotations = $4,
			category = $5, security_level = $6, is_active = $7, updated_at = now()
		WHERE id = $1`

	res, err := q.ExecContext(ctx, query,
		t.ID, t.Description, t.InputSchema, t.Annotations, t.Category,
		t.SecurityLevel, t.IsActive)
	if err != nil {
		return fmt.Errorf("update tool %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tool %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

// GetTool fetches a tool by primary key.
func (s *Store) GetTool(ctx context.Context, id int64) (*Tool, error) {
	var t Tool
	query := fmt.Sprintf("SELECT %s FROM mcp.tools WHERE id = $1", toolColumns)
	if err := s.db.GetContext(ctx, &t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get tool %d: %w", id, err)
	}
	return &t, nil
}

// GetToolByName fetches a tool by its scoped name. With a nil orgID only the
// global scope is searched; otherwise the org scope is preferred with a
// global fallback.
func (s *Store) GetToolByName(ctx context.Context, name string, orgID *string) (*Tool, error) {
	var t Tool
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.tools
		WHERE name = $1 AND (is_global OR ($2::uuid IS NOT NULL AND org_id = $2))
		ORDER BY is_global ASC
		LIMIT 1`, toolColumns)
	if err := s.db.GetContext(ctx, &t, query, name, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get tool %q: %w", name, err)
	}
	return &t, nil
}

// ListTools returns tools visible under the filter, ordered by name.
func (s *Store) ListTools(ctx context.Context, f ToolFilter) ([]Tool, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.tools
		WHERE (is_global OR ($1::uuid IS NOT NULL AND org_id = $1))
		  AND ($2::uuid IS NULL OR source_server_id = $2)
		  AND (NOT $3::boolean OR is_active)
		ORDER BY name`, toolColumns)

	var tools []Tool
	if err := s.db.SelectContext(ctx, &tools, query, f.OrgID, f.SourceServerID, f.ActiveOnly); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return tools, nil
}

// ListToolsBySkill returns active tools assigned to the given skill that are
// visible to orgID.
func (s *Store) ListToolsBySkill(ctx context.Context, skillID string, orgID *string) ([]Tool, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.tools t
		WHERE t.is_active
		  AND (t.is_global OR ($2::uuid IS NOT NULL AND t.org_id = $2))
		  AND EXISTS (
			SELECT 1 FROM mcp.tool_skill_assignments a
			WHERE a.tool_id = t.id AND a.skill_id = $1)
		ORDER BY t.name`, toolColumns)

	var tools []Tool
	if err := s.db.SelectContext(ctx, &tools, query, skillID, orgID); err != nil {
		return nil, fmt.Errorf("list tools by skill %q: %w", skillID, err)
	}
	return tools, nil
}

// GetToolsByIDs fetches the given tools; missing ids are silently skipped.
// Used by the search engine for schema enrichment.
func (s *Store) GetToolsByIDs(ctx context.Context, ids []int64) ([]Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		fmt.Sprintf("SELECT %s FROM mcp.tools WHERE id IN (?)", toolColumns), ids)
	if err != nil {
		return nil, fmt.Errorf("build tools query: %w", err)
	}
	query = s.db.Rebind(query)

	var tools []Tool
	if err := s.db.SelectContext(ctx, &tools, query, args...); err != nil {
		return nil, fmt.Errorf("get tools by ids: %w", err)
	}
	return tools, nil
}

// UpdateToolClassificationTx writes the denormalized classification fields.
// Runs inside the classifier's transaction together with the assignment rows.
func (s *Store) UpdateToolClassificationTx(ctx context.Context, tx *sqlx.Tx, toolID int64, skillIDs []string, primarySkillID *string) error {
	const query = `
		UPDATE mcp.tools
		SET skill_ids = $2, primary_skill_id = $3, is_classified = TRUE, updated_at = now()
		WHERE id = $1`

	res, err := tx.ExecContext(ctx, query, toolID, StringList(skillIDs), primarySkillID)
	if err != nil {
		return fmt.Errorf("update classification for tool %d: %w", toolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update classification for tool %d: %w", toolID, ErrNotFound)
	}
	return nil
}

// MarkToolUnclassified clears is_classified after a failed index write so the
// tool stays reachable through direct search until reconciliation.
func (s *Store) MarkToolUnclassified(ctx context.Context, toolID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp.tools SET is_classified = FALSE, updated_at = now() WHERE id = $1`, toolID)
	if err != nil {
		return fmt.Errorf("mark tool %d unclassified: %w", toolID, err)
	}
	return nil
}

// DeactivateInternalToolsExcept retires internal tools (no source server)
// whose names were not seen by the latest scan. Returns the ids retired.
func (s *Store) DeactivateInternalToolsExcept(ctx context.Context, seen []string) ([]int64, error) {
	query := `
		UPDATE mcp.tools SET is_active = FALSE, updated_at = now()
		WHERE source_server_id IS NULL AND is_active AND NOT (name = ANY($1))
		RETURNING id`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, seen); err != nil {
		return nil, fmt.Errorf("deactivate internal tools: %w", err)
	}
	return ids, nil
}

// DeleteToolsByServerTx removes every tool owned by the server and returns
// their ids. The count is derived from the RETURNING set, so it is exact at
// commit time.
func (s *Store) DeleteToolsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	const query = `
		WITH deleted AS (
			DELETE FROM mcp.tools WHERE source_server_id = $1 RETURNING id
		) SELECT id FROM deleted`

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, query, serverID); err != nil {
		return nil, fmt.Errorf("delete tools for server %s: %w", serverID, err)
	}
	return ids, nil
}

// DeleteTool removes one tool by id.
func (s *Store) DeleteTool(ctx context.Context, id int64) error {
	count, err := deleteWithCount(ctx, s.db, "DELETE FROM mcp.tools WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete tool %d: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("delete tool %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteToolsByIDsTx removes the given tools inside a transaction.
func (s *Store) DeleteToolsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM mcp.tools WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("build tool delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete tools: %w", err)
	}
	return nil
}
