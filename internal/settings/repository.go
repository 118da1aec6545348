package settings

import "context"

// Repository stores purger settings keyed by purger identifier. The host
// application owns the lifecycle; Close releases backend resources.
type Repository interface {
	Load(ctx context.Context, id string) (PurgerSettings, error)
	Save(ctx context.Context, id string, s PurgerSettings) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}
