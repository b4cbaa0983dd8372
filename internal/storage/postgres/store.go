// Package postgres implements the secondary relational store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"polysync/internal/config"
	"polysync/internal/storage/types"
	"polysync/pkg/model"
)

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Provider owns the PostgreSQL connection pool.
type Provider struct {
	db    *sql.DB
	table string
}

// NewProvider opens the connection pool, verifies connectivity and
// ensures the schema.
func NewProvider(ctx context.Context, cfg config.PostgresConfig) (*Provider, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "entities"
	}
	p := &Provider{db: db, table: table}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Provider) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    data        JSONB NOT NULL DEFAULT '{}',
    version     BIGINT NOT NULL DEFAULT 0,
    created_at  BIGINT NOT NULL DEFAULT 0,
    updated_at  BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, entity_id)
);
`, pq.QuoteIdentifier(p.table))
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// DB returns the underlying pool.
func (p *Provider) DB() *sql.DB {
	return p.db
}

// Entities returns the entity store backed by this pool.
func (p *Provider) Entities() types.EntityStore {
	return &entityStore{db: p.db, table: pq.QuoteIdentifier(p.table)}
}

// Close closes the connection pool.
func (p *Provider) Close(ctx context.Context) error {
	return p.db.Close()
}

type entityStore struct {
	db    *sql.DB
	table string
}

func (s *entityStore) Get(ctx context.Context, entityType, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT entity_type, entity_id, data, version, created_at, updated_at
		FROM %s WHERE entity_type = $1 AND entity_id = $2
	`, s.table), entityType, id)

	var (
		entity model.Entity
		data   []byte
	)
	err := row.Scan(&entity.Type, &entity.ID, &data,
		&entity.Version, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &entity.Data); err != nil {
		return nil, fmt.Errorf("decode entity data: %w", err)
	}
	return &entity, nil
}

func (s *entityStore) Insert(ctx context.Context, entity *model.Entity) error {
	data, err := marshalData(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.table),
		entity.Type, entity.ID, data, entity.Version, entity.CreatedAt, entity.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrExists
	}
	return err
}

func (s *entityStore) Update(ctx context.Context, entity *model.Entity) error {
	data, err := marshalData(entity)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET data = $3, version = $4, created_at = $5, updated_at = $6
		WHERE entity_type = $1 AND entity_id = $2
	`, s.table),
		entity.Type, entity.ID, data, entity.Version, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *entityStore) Upsert(ctx context.Context, entity *model.Entity) error {
	data, err := marshalData(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, entity_id) DO UPDATE
		SET data = EXCLUDED.data,
		    version = EXCLUDED.version,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, s.table),
		entity.Type, entity.ID, data, entity.Version, entity.CreatedAt, entity.UpdatedAt)
	return err
}

func (s *entityStore) Delete(ctx context.Context, entityType, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE entity_type = $1 AND entity_id = $2
	`, s.table), entityType, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *entityStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *entityStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func marshalData(entity *model.Entity) ([]byte, error) {
	data := entity.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode entity data: %w", err)
	}
	return encoded, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
