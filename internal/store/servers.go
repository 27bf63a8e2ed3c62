package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const serverColumns = `id, name, transport, command, args, env, url, headers,
	health_check_url, status, last_error, tool_count, org_id, is_global,
	registered_at, connected_at, last_health_check`

// CreateServer inserts a new external server record.
func (s *Store) CreateServer(ctx context.Context, srv *ExternalServer) error {
	const query = `
		INSERT INTO mcp.external_servers (id, name, transport, command, args,
			env, url, headers, health_check_url, status, org_id, is_global)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING registered_at`

	row := s.db.QueryRowxContext(ctx, query,
		srv.ID, srv.Name, srv.Transport, srv.Command, srv.Args, srv.Env,
		srv.URL, srv.Headers, srv.HealthCheckURL, srv.Status, srv.OrgID, srv.IsGlobal)
	if err := row.Scan(&srv.RegisteredAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("server %q: %w", srv.Name, ErrDuplicateName)
		}
		return fmt.Errorf("create server %q: %w", srv.Name, err)
	}
	return nil
}

// GetServer fetches a server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*ExternalServer, error) {
	var srv ExternalServer
	query := fmt.Sprintf("SELECT %s FROM mcp.external_servers WHERE id = $1", serverColumns)
	if err := s.db.GetContext(ctx, &srv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}
	return &srv, nil
}

// GetServerByName fetches a server by its scoped short name.
func (s *Store) GetServerByName(ctx context.Context, name string, orgID *string) (*ExternalServer, error) {
	var srv ExternalServer
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.external_servers
		WHERE name = $1 AND (is_global OR ($2::uuid IS NOT NULL AND org_id = $2))
		ORDER BY is_global ASC
		LIMIT 1`, serverColumns)
	if err := s.db.GetContext(ctx, &srv, query, name, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get server %q: %w", name, err)
	}
	return &srv, nil
}

// ListServers returns servers visible to orgID, ordered by name.
func (s *Store) ListServers(ctx context.Context, orgID *string) ([]ExternalServer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mcp.external_servers
		WHERE (is_global OR ($1::uuid IS NOT NULL AND org_id = $1))
		ORDER BY name`, serverColumns)

	var servers []ExternalServer
	if err := s.db.SelectContext(ctx, &servers, query, orgID); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// UpdateServerStatus records a lifecycle transition; lastErr may be empty.
func (s *Store) UpdateServerStatus(ctx context.Context, id string, status ServerStatus, lastErr string) error {
	var errVal *string
	if lastErr != "" {
		errVal = &lastErr
	}

	var connectedAt interface{}
	if status == StatusConnected {
		connectedAt = time.Now().UTC()
	}

	const query = `
		UPDATE mcp.external_servers
		SET status = $2, last_error = $3,
			connected_at = COALESCE($4, connected_at)
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, status, errVal, connectedAt)
	if err != nil {
		return fmt.Errorf("update status for server %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status for server %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordHealthCheck stamps the last health probe time.
func (s *Store) RecordHealthCheck(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE mcp.external_servers SET last_health_check = $2 WHERE id = $1`, id, at.UTC()); err != nil {
		return fmt.Errorf("record health check for server %s: %w", id, err)
	}
	return nil
}

// UpdateServerToolCount refreshes the denormalized tool counter.
func (s *Store) UpdateServerToolCount(ctx context.Context, id string, count int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE mcp.external_servers SET tool_count = $2 WHERE id = $1`, id, count); err != nil {
		return fmt.Errorf("update tool count for server %s: %w", id, err)
	}
	return nil
}

// DeleteServerTx removes the server row. Owned tools/prompts/resources must
// be deleted first (the removal sequence needs their ids for vector cleanup);
// the ON DELETE CASCADE is only a safety net.
func (s *Store) DeleteServerTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	count, err := deleteWithCount(ctx, tx, "DELETE FROM mcp.external_servers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("delete server %s: %w", id, ErrNotFound)
	}
	return nil
}
