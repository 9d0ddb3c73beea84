package repo

import (
	"context"
	"errors"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("username or email already in use")
)

// UserRepository is the Local Identity Record store. Each call is atomic for
// one user and its bindings.
type UserRepository interface {
	Load(ctx context.Context, username string) (*model.User, error)
	// LoadByEmail matches case-insensitively; bindings are not loaded.
	LoadByEmail(ctx context.Context, email string) (*model.User, error)
	// Save writes the user row and replaces its bindings.
	Save(ctx context.Context, user *model.User) error
	Delete(ctx context.Context, username string) error
}

// OrphanRepository tracks remote state that best-effort cleanup left behind.
type OrphanRepository interface {
	RecordOrphan(ctx context.Context, orphan *model.OrphanedAccount) error
	ListPendingOrphans(ctx context.Context, maxAttempts, limit int) ([]*model.OrphanedAccount, error)
	MarkOrphanResolved(ctx context.Context, id int64) error
	BumpOrphanAttempt(ctx context.Context, id int64, reason string) error
	// ResolveOrphansFor marks every pending orphan of the remote account as
	// resolved and returns how many there were.
	ResolveOrphansFor(ctx context.Context, p model.Platform, nativeID string) (int64, error)
}

// Store bundles both repositories; the gorm and in-memory implementations satisfy it.
type Store interface {
	UserRepository
	OrphanRepository
}
