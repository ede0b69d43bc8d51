package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/siprouted/siprouted/internal/database/models"
)

// gatewayRepo implements GatewayRepository over SQLite.
type gatewayRepo struct {
	db *DB
}

// NewGatewayRepository creates a new GatewayRepository.
func NewGatewayRepository(db *DB) GatewayRepository {
	return &gatewayRepo{db: db}
}

// Create inserts a new gateway.
func (r *gatewayRepo) Create(ctx context.Context, gw *models.Gateway) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO gateways (ref, name, enabled, username, password, host,
		 transport, expires, registries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		gw.Ref, gw.Name, gw.Enabled, gw.Username, gw.Password, gw.Host,
		gw.Transport, gw.Expires, gw.Registries,
	)
	if err != nil {
		return fmt.Errorf("inserting gateway: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	gw.ID = id
	return nil
}

// GetByID returns a gateway by ID.
func (r *gatewayRepo) GetByID(ctx context.Context, id int64) (*models.Gateway, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, ref, name, enabled, username, password, host, transport,
		 expires, registries, created_at, updated_at
		 FROM gateways WHERE id = ?`, id,
	))
}

// GetByRef returns a gateway by its opaque ref.
func (r *gatewayRepo) GetByRef(ctx context.Context, ref string) (*models.Gateway, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, ref, name, enabled, username, password, host, transport,
		 expires, registries, created_at, updated_at
		 FROM gateways WHERE ref = ?`, ref,
	))
}

// List returns all gateways ordered by name.
func (r *gatewayRepo) List(ctx context.Context) ([]models.Gateway, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ref, name, enabled, username, password, host, transport,
		 expires, registries, created_at, updated_at
		 FROM gateways ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying gateways: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListEnabled returns all enabled gateways ordered by name.
func (r *gatewayRepo) ListEnabled(ctx context.Context) ([]models.Gateway, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ref, name, enabled, username, password, host, transport,
		 expires, registries, created_at, updated_at
		 FROM gateways WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled gateways: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update modifies an existing gateway.
func (r *gatewayRepo) Update(ctx context.Context, gw *models.Gateway) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE gateways SET name = ?, enabled = ?, username = ?, password = ?,
		 host = ?, transport = ?, expires = ?, registries = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		gw.Name, gw.Enabled, gw.Username, gw.Password, gw.Host, gw.Transport,
		gw.Expires, gw.Registries, gw.ID,
	)
	if err != nil {
		return fmt.Errorf("updating gateway: %w", err)
	}
	return nil
}

// Delete removes a gateway by ID.
func (r *gatewayRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting gateway: %w", err)
	}
	return nil
}

func (r *gatewayRepo) scanOne(row *sql.Row) (*models.Gateway, error) {
	var g models.Gateway
	err := row.Scan(&g.ID, &g.Ref, &g.Name, &g.Enabled, &g.Username, &g.Password,
		&g.Host, &g.Transport, &g.Expires, &g.Registries, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning gateway: %w", err)
	}
	return &g, nil
}

func (r *gatewayRepo) scanMany(rows *sql.Rows) ([]models.Gateway, error) {
	var gateways []models.Gateway
	for rows.Next() {
		var g models.Gateway
		if err := rows.Scan(&g.ID, &g.Ref, &g.Name, &g.Enabled, &g.Username,
			&g.Password, &g.Host, &g.Transport, &g.Expires, &g.Registries,
			&g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning gateway row: %w", err)
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}
