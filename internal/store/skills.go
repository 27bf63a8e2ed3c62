package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const skillColumns = `id, name, description, keywords, examples, parent_domain,
	tool_count, org_id, is_global, is_active, created_at, updated_at`

// CreateSkill inserts a new skill category.
func (s *Store) CreateSkill(ctx context.Context, sk *SkillCategory) error {
	const query = `
		INSERT INTO mcp.skill_categories (id, name, description, keywords,
			examples, parent_domain, org_id, is_global, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		sk.ID, sk.Name, sk.Description, sk.Keywords, sk.Examples,
		sk.ParentDomain, sk.OrgID, sk.IsGlobal, sk.IsActive)
	if err := row.Scan(&sk.CreatedAt, &sk.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("skill %q: %w", sk.ID, ErrDuplicateName)
		}
		return fmt.Errorf("create skill %q: %w", sk.ID, err)
	}
	return nil
}

// UpdateSkill overwrites the mutable fields of a skill category.
func (s *Store) UpdateSkill(ctx context.Context, sk *SkillCategory) error {
	const query = `
		UPDATE mcp.skill_categories
		SET name = $2, description = $3, keywords = $4, examples = $5,
			parent_domain = $6, is_active = $7, updated_at = now()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		sk.ID, sk.Name, sk.Description, sk.Keywords, sk.Examples,
		sk.ParentDomain, sk.IsActive)
	if err != nil {
		return fmt.Errorf("update skill %q: %w", sk.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update skill %q: %w", sk.ID, ErrNotFound)
	}
	return nil
}

// GetSkill fetches a skill category by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*SkillCategory, error) {
	var sk SkillCategory
	query := fmt.Sprintf("SELECT %s FROM mcp.skill_categories WHERE id = $1", skillColumns)
	if err := s.db.GetContext(ctx, &sk, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("skill %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get skill %q: %w", id, err)
	}
	return &sk, nil
}

// ListSkills returns skill categories visible to orgID, ordered by id.
func (s *Store) ListSkills(ctx context.Context, orgID *string, activeOnly bool) ([]SkillCategory, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.skill_categories
		WHERE (is_global OR ($1::uuid IS NOT NULL AND org_id = $1))
		  AND (NOT $2::boolean OR is_active)
		ORDER BY id`, skillColumns)

	var skills []SkillCategory
	if err := s.db.SelectContext(ctx, &skills, query, orgID, activeOnly); err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	return skills, nil
}

// DisableSkill soft-deletes a skill: it leaves assignments in place but
// removes the skill from search candidacy.
func (s *Store) DisableSkill(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp.skill_categories SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable skill %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("disable skill %q: %w", id, ErrNotFound)
	}
	return nil
}

// RefreshSkillToolCount recomputes the denormalized tool_count for a skill.
func (s *Store) RefreshSkillToolCount(ctx context.Context, id string) error {
	const query = `
		UPDATE mcp.skill_categories
		SET tool_count = (
			SELECT count(*) FROM mcp.tool_skill_assignments WHERE skill_id = $1
		), updated_at = now()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("refresh tool count for skill %q: %w", id, err)
	}
	return nil
}
