package pgvector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/textenc/pkg/cache"
)

// tablePrefix is prepended to every cache table name.
const tablePrefix = "textenc_"

// maxIdentLen is PostgreSQL's identifier length limit (NAMEDATALEN - 1).
const maxIdentLen = 63

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// nsSuffixLen is the number of namespace UUID hex digits appended to a
// derived name that had to be rewritten.
const nsSuffixLen = 8

// TableName returns the table that stores ns. An explicit collection wins and
// is only sanitized, so several namespaces may share it on purpose.
// Otherwise the name is derived from the model and dimension. When sanitizing
// or truncation rewrote the derived name, a short prefix of the namespace
// UUID is appended so that distinct namespaces never share a table.
func TableName(collection string, ns cache.Namespace) string {
	if collection != "" {
		return clip(tablePrefix+sanitizeIdent(collection), maxIdentLen)
	}
	raw := ns.Model + "_" + strconv.Itoa(ns.Dimensions)
	base := sanitizeIdent(raw)
	name := tablePrefix + base
	if base == raw && len(name) <= maxIdentLen {
		return name
	}
	suffix := "_" + strings.ReplaceAll(ns.UUID().String(), "-", "")[:nsSuffixLen]
	return clip(name, maxIdentLen-len(suffix)) + suffix
}

func sanitizeIdent(s string) string {
	s = nonIdent.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// clip truncates name to n bytes. Identifiers are ASCII after sanitizing.
func clip(name string, n int) string {
	if len(name) > n {
		name = name[:n]
	}
	return name
}

// ddlTable returns the DDL for one cache table. The vector dimension is baked
// into the column type at creation time.
func ddlTable(table string, dims int) string {
	ident := pgx.Identifier{table}.Sanitize()
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %s (
    id          TEXT         PRIMARY KEY,
    embedding   vector(%d)   NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`, ident, dims)
}

// Migrate creates the cache table for ns if it does not exist. It is
// idempotent and safe to call on every start.
//
// The table's vector dimension is fixed at creation; a namespace with a
// different dimension derives a different table name unless an explicit
// collection is shared, which is a configuration error.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("pgvector migrate: dimensions must be positive, got %d", dims)
	}
	if _, err := pool.Exec(ctx, ddlTable(table, dims)); err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return nil
}
