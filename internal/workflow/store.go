package workflow

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists application bundles. A bundle is always read and written
// whole; child rows are never updated individually.
type Store interface {
	// Create persists a new bundle. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, b model.Bundle) error

	// Get retrieves a bundle by application id. Returns
	// APPLICATION_NOT_FOUND if it does not exist.
	Get(ctx context.Context, id int64) (model.Bundle, error)

	// Save replaces a stored bundle. Returns APPLICATION_NOT_FOUND if it
	// does not exist.
	Save(ctx context.Context, b model.Bundle) error

	// List returns every bundle ordered by application id, newest first.
	List(ctx context.Context) ([]model.Bundle, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
