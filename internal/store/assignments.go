package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ListAssignments returns the skill assignments for a tool, primary first,
// then by descending confidence.
func (s *Store) ListAssignments(ctx context.Context, toolID int64) ([]ToolSkillAssignment, error) {
	const query = `
		SELECT tool_id, skill_id, confidence, is_primary, source, created_at
		FROM mcp.tool_skill_assignments
		WHERE tool_id = $1
		ORDER BY is_primary DESC, confidence DESC, skill_id`

	var rows []ToolSkillAssignment
	if err := s.db.SelectContext(ctx, &rows, query, toolID); err != nil {
		return nil, fmt.Errorf("list assignments for tool %d: %w", toolID, err)
	}
	return rows, nil
}

// ReplaceLLMAssignmentsTx deletes any prior source=llm rows for the tool and
// inserts the new set. Manual and heuristic assignments survive
// reclassification.
func (s *Store) ReplaceLLMAssignmentsTx(ctx context.Context, tx *sqlx.Tx, toolID int64, assignments []ToolSkillAssignment) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mcp.tool_skill_assignments WHERE tool_id = $1 AND source = 'llm'`, toolID); err != nil {
		return fmt.Errorf("reset llm assignments for tool %d: %w", toolID, err)
	}

	const insert = `
		INSERT INTO mcp.tool_skill_assignments (tool_id, skill_id, confidence, is_primary, source)
		VALUES ($1, $2, $3, $4, $5)`

	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx, insert, toolID, a.SkillID, a.Confidence, a.IsPrimary, a.Source); err != nil {
			return fmt.Errorf("insert assignment (%d, %s): %w", toolID, a.SkillID, err)
		}
	}
	return nil
}
