// Package store implements the relational system of record for compass.
//
// All registry state (tools, prompts, resources, skill categories, skill
// assignments, external servers) lives in the `mcp` schema of a PostgreSQL
// database. The package uses sqlx over the pgx stdlib driver; the schema is
// created by embedded goose migrations.
//
// Deletes that must report accurate counts (server removal cascades) use a
// single CTE of the form
//
//	WITH deleted AS (DELETE ... RETURNING 1) SELECT count(*) FROM deleted
//
// which removes the COUNT-then-DELETE race.
package store
