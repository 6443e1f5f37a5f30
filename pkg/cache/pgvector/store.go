// Package pgvector implements a per-text cache backed by PostgreSQL with the
// pgvector extension.
//
// Each namespace maps to one table holding one row per text:
//
//	id         content-derived key (cache.Key.ID)
//	embedding  vector(D)
//	text       the original text, kept for auditing and never used for lookup
//
// Usage:
//
//	store, err := pgvector.New(ctx, dsn, cache.Namespace{Model: "text-embedding-3-large", Dimensions: 1024})
//	if err != nil { … }
//	defer store.Close()
package pgvector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/textenc/pkg/cache"
)

var (
	_ cache.Backend = (*Store)(nil)
	_ cache.Pinger  = (*Store)(nil)
	_ cache.Clearer = (*Store)(nil)
	_ cache.Closer  = (*Store)(nil)
)

// Store is a [cache.Backend] over a single pgvector table. All operations are
// safe for concurrent use; concurrent saves of the same key are idempotent
// upserts.
type Store struct {
	pool     *pgxpool.Pool
	table    string
	ident    string
	dims     int
	ownsPool bool
}

type config struct {
	collection string
	migrate    bool
}

// Option is a functional option for Store.
type Option func(*config)

// WithCollection sets an explicit collection name instead of deriving it from
// the namespace.
func WithCollection(name string) Option {
	return func(c *config) {
		c.collection = name
	}
}

// WithoutMigrate skips the table creation performed by New.
func WithoutMigrate() Option {
	return func(c *config) {
		c.migrate = false
	}
}

// New creates a connection pool to dsn, registers pgvector types on every
// connection and runs [Migrate] for the namespace's table.
func New(ctx context.Context, dsn string, ns cache.Namespace, opts ...Option) (*Store, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("pgvector store: %w", err)
	}
	cfg := &config{migrate: true}
	for _, o := range opts {
		o(cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pgvector store: ping: %v", cache.ErrUnavailable, err)
	}

	table := TableName(cfg.collection, ns)
	if cfg.migrate {
		if err := Migrate(ctx, pool, table, ns.Dimensions); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgvector store: %w", err)
		}
	}

	s := NewFromPool(pool, table, ns.Dimensions)
	s.ownsPool = true
	slog.Info("pgvector cache ready", "table", table, "namespace", ns.String())
	return s, nil
}

// NewFromPool wraps an existing pool. The pool must register pgvector types in
// its AfterConnect hook. Close does not close a pool supplied this way.
func NewFromPool(pool *pgxpool.Pool, table string, dims int) *Store {
	return &Store{
		pool:  pool,
		table: table,
		ident: pgx.Identifier{table}.Sanitize(),
		dims:  dims,
	}
}

// Table returns the name of the backing table.
func (s *Store) Table() string { return s.table }

// LoadMany implements [cache.Backend] with a single id = ANY($1) query.
func (s *Store) LoadMany(ctx context.Context, keys []cache.Key) ([][]float32, error) {
	slots := make([][]float32, len(keys))
	if len(keys) == 0 {
		return slots, nil
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}

	q := fmt.Sprintf(`SELECT id, embedding FROM %s WHERE id = ANY($1::text[])`, s.ident)
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: pgvector store: load: %v", cache.ErrUnavailable, err)
	}
	defer rows.Close()

	found := make(map[string][]float32, len(keys))
	for rows.Next() {
		var (
			id  string
			vec pgv.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("%w: pgvector store: scan: %v", cache.ErrUnavailable, err)
		}
		found[id] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: pgvector store: load: %v", cache.ErrUnavailable, err)
	}

	for i, k := range keys {
		if v, ok := found[k.ID]; ok {
			slots[i] = cache.CloneVector(v)
		}
	}
	return slots, nil
}

// SaveMany implements [cache.Backend] as one batched upsert round-trip.
func (s *Store) SaveMany(ctx context.Context, keys []cache.Key, vectors [][]float32) error {
	if err := cache.CheckSave(keys, vectors); err != nil {
		return fmt.Errorf("pgvector store: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != s.dims {
			return fmt.Errorf("%w: pgvector store: vector %d has %d dims, table holds %d", cache.ErrWrite, i, len(v), s.dims)
		}
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, text)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		    embedding = EXCLUDED.embedding,
		    text      = EXCLUDED.text`, s.ident)

	batch := &pgx.Batch{}
	for i, k := range keys {
		batch.Queue(q, k.ID, pgv.NewVector(vectors[i]), k.Source)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: pgvector store: save: %v", cache.ErrWrite, err)
	}
	return nil
}

// Ping implements [cache.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: pgvector store: %v", cache.ErrUnavailable, err)
	}
	return nil
}

// Clear implements [cache.Clearer]. It deletes every row of the namespace's
// table and keeps the table itself.
func (s *Store) Clear(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.ident))
	if err != nil {
		return fmt.Errorf("pgvector store: clear: %w", err)
	}
	slog.Info("pgvector cache cleared", "table", s.table, "rows", tag.RowsAffected())
	return nil
}

// Count returns the number of cached vectors.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.ident)).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector store: count: %w", err)
	}
	return n, nil
}

// Close releases the connection pool if New created it.
func (s *Store) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}
