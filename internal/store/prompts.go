package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const promptColumns = `id, name, description, arguments, category, org_id,
	is_global, source_server_id, original_name, is_active, created_at, updated_at`

// CreatePromptTx inserts a new prompt and populates its ID.
func (s *Store) CreatePromptTx(ctx context.Context, tx *sqlx.Tx, p *Prompt) error {
	return createPrompt(ctx, tx, p)
}

// CreatePrompt inserts a new prompt outside a transaction.
func (s *Store) CreatePrompt(ctx context.Context, p *Prompt) error {
	return createPrompt(ctx, s.db, p)
}

func createPrompt(ctx context.Context, q sqlx.ExtContext, p *Prompt) error {
	const query = `
		INSERT INTO mcp.prompts (name, description, arguments, category, org_id,
			is_global, source_server_id, original_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	row := q.QueryRowxContext(ctx, query,
		p.Name, p.Description, p.Arguments, p.Category, p.OrgID,
		p.IsGlobal, p.SourceServerID, p.OriginalName, p.IsActive)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prompt %q: %w", p.Name, ErrDuplicateName)
		}
		return fmt.Errorf("create prompt %q: %w", p.Name, err)
	}
	return nil
}

// UpdatePromptTx overwrites the mutable fields of an existing prompt.
func (s *Store) UpdatePromptTx(ctx context.Context, tx *sqlx.Tx, p *Prompt) error {
	const query = `
		UPDATE mcp.prompts
		SET description = $2, arguments = $3, category = $4, is_active = $5, updated_at = now()
		WHERE id = $1`

	res, err := tx.ExecContext(ctx, query, p.ID, p.Description, p.Arguments, p.Category, p.IsActive)
	if err != nil {
		return fmt.Errorf("update prompt %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update prompt %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetPromptByName fetches a prompt by its scoped name.
func (s *Store) GetPromptByName(ctx context.Context, name string, orgID *string) (*Prompt, error) {
	var p Prompt
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.prompts
		WHERE name = $1 AND (is_global OR ($2::uuid IS NOT NULL AND org_id = $2))
		ORDER BY is_global ASC
		LIMIT 1`, promptColumns)
	if err := s.db.GetContext(ctx, &p, query, name, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("prompt %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return &p, nil
}

// ListPrompts returns prompts visible under the filter, ordered by name.
func (s *Store) ListPrompts(ctx context.Context, f ToolFilter) ([]Prompt, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.prompts
		WHERE (is_global OR ($1::uuid IS NOT NULL AND org_id = $1))
		  AND ($2::uuid IS NULL OR source_server_id = $2)
		  AND (NOT $3::boolean OR is_active)
		ORDER BY name`, promptColumns)

	var prompts []Prompt
	if err := s.db.SelectContext(ctx, &prompts, query, f.OrgID, f.SourceServerID, f.ActiveOnly); err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return prompts, nil
}

// DeactivateInternalPromptsExcept retires internal prompts not seen by the
// latest scan. Returns the ids retired.
func (s *Store) DeactivateInternalPromptsExcept(ctx context.Context, seen []string) ([]int64, error) {
	query := `
		UPDATE mcp.prompts SET is_active = FALSE, updated_at = now()
		WHERE source_server_id IS NULL AND is_active AND NOT (name = ANY($1))
		RETURNING id`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, seen); err != nil {
		return nil, fmt.Errorf("deactivate internal prompts: %w", err)
	}
	return ids, nil
}

// DeletePromptsByServerTx removes every prompt owned by the server and
// returns their ids.
func (s *Store) DeletePromptsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	const query = `
		WITH deleted AS (
			DELETE FROM mcp.prompts WHERE source_server_id = $1 RETURNING id
		) SELECT id FROM deleted`

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, query, serverID); err != nil {
		return nil, fmt.Errorf("delete prompts for server %s: %w", serverID, err)
	}
	return ids, nil
}

// GetPrompt fetches a prompt by primary key.
func (s *Store) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	var p Prompt
	query := fmt.Sprintf("SELECT %s FROM mcp.prompts WHERE id = $1", promptColumns)
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("prompt %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get prompt %d: %w", id, err)
	}
	return &p, nil
}

// DeletePromptsByIDsTx removes the given prompts inside a transaction.
func (s *Store) DeletePromptsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM mcp.prompts WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("build prompt delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete prompts: %w", err)
	}
	return nil
}
