package farm

import (
	"context"

	"github.com/farmregistry/farm-service/internal/domain"
)

type Repo interface {
	Create(ctx context.Context, f domain.Farm) error
	List(ctx context.Context, limit int) ([]domain.Farm, error)
}
