package database

import (
	"context"

	"github.com/siprouted/siprouted/internal/database/models"
)

// GatewayRepository manages upstream gateway records. Both the embedded
// SQLite store and the PostgreSQL store implement it.
type GatewayRepository interface {
	Create(ctx context.Context, gw *models.Gateway) error
	GetByID(ctx context.Context, id int64) (*models.Gateway, error)
	GetByRef(ctx context.Context, ref string) (*models.Gateway, error)
	List(ctx context.Context) ([]models.Gateway, error)
	ListEnabled(ctx context.Context) ([]models.Gateway, error)
	Update(ctx context.Context, gw *models.Gateway) error
	Delete(ctx context.Context, id int64) error
}

// AdminUserRepository manages operator accounts for the HTTP API.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
}
