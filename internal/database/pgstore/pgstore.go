package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/siprouted/siprouted/internal/database"
	"github.com/siprouted/siprouted/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.GatewayRepository using PostgreSQL, for
// deployments that keep gateway configuration in a shared database instead
// of the embedded SQLite store.
type Store struct {
	db *sql.DB
}

var _ database.GatewayRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql gateway store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

const gatewayColumns = `id, ref, name, enabled, username, password, host,
 transport, expires, registries, created_at, updated_at`

// Create inserts a new gateway.
func (s *Store) Create(ctx context.Context, gw *models.Gateway) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO gateways (ref, name, enabled, username, password, host,
		 transport, expires, registries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		gw.Ref, gw.Name, gw.Enabled, gw.Username, gw.Password, gw.Host,
		gw.Transport, gw.Expires, gw.Registries,
	).Scan(&gw.ID)
	if err != nil {
		return fmt.Errorf("inserting gateway: %w", err)
	}
	return nil
}

// GetByID returns a gateway by ID.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.Gateway, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways WHERE id = $1`, id))
}

// GetByRef returns a gateway by its opaque ref.
func (s *Store) GetByRef(ctx context.Context, ref string) (*models.Gateway, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways WHERE ref = $1`, ref))
}

// List returns all gateways ordered by name.
func (s *Store) List(ctx context.Context) ([]models.Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying gateways: %w", err)
	}
	defer rows.Close()

	return s.scanMany(rows)
}

// ListEnabled returns all enabled gateways ordered by name.
func (s *Store) ListEnabled(ctx context.Context) ([]models.Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled gateways: %w", err)
	}
	defer rows.Close()

	return s.scanMany(rows)
}

// Update modifies an existing gateway.
func (s *Store) Update(ctx context.Context, gw *models.Gateway) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET name = $1, enabled = $2, username = $3,
		 password = $4, host = $5, transport = $6, expires = $7,
		 registries = $8, updated_at = NOW()
		 WHERE id = $9`,
		gw.Name, gw.Enabled, gw.Username, gw.Password, gw.Host, gw.Transport,
		gw.Expires, gw.Registries, gw.ID,
	)
	if err != nil {
		return fmt.Errorf("updating gateway: %w", err)
	}
	return nil
}

// Delete removes a gateway by ID.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting gateway: %w", err)
	}
	return nil
}

func (s *Store) scanOne(row *sql.Row) (*models.Gateway, error) {
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

func (s *Store) scanMany(rows *sql.Rows) ([]models.Gateway, error) {
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
