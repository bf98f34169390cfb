package repository

import "context"

// Repository is the keyed CRUD surface shared by tables whose rows are
// addressed by a single natural key, such as gateways.
type Repository[T any, ID comparable] interface {
	Save(ctx context.Context, entity T) (T, error)
	// FindByID returns ErrNotFound for an unknown id
	FindByID(ctx context.Context, id ID) (T, error)
	FindAll(ctx context.Context) ([]T, error)
	// DeleteByID returns ErrNotFound for an unknown id
	DeleteByID(ctx context.Context, id ID) error
	ExistsByID(ctx context.Context, id ID) (bool, error)
}
