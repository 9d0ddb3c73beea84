package platform

import (
	"context"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
)

// Identity is what adapters use to look an account up or label it.
type Identity struct {
	Username string
	Email    string
}

// Credentials carry the plaintext password for remote account creation only.
// They are never persisted or logged.
type Credentials struct {
	Identity
	Password string
}

func (c Credentials) String() string {
	return "Credentials{" + c.Username + ", " + c.Email + ", ***}"
}

// ProfileChange lists identity-linked fields to push to an existing account.
// Empty fields are left untouched.
type ProfileChange struct {
	Username string
	Email    string
	Password string
}

func (p ProfileChange) Empty() bool {
	return p.Username == "" && p.Email == "" && p.Password == ""
}

// Adapter is the uniform capability contract every platform implements.
// Calls are synchronous with no internal retry; errors are classified with
// MarkTransient / MarkPermanent or wrap ErrNotFound / ErrConflict.
type Adapter interface {
	Platform() model.Platform

	// FindIdentity returns the native id of an existing account, or ErrNotFound.
	FindIdentity(ctx context.Context, id Identity) (string, error)
	// CreateAccount returns ErrConflict when the account already exists remotely.
	CreateAccount(ctx context.Context, cred Credentials, desired model.Attributes) (string, error)
	// ApplyAccess grants the desired access; granting twice is not an error.
	ApplyAccess(ctx context.Context, nativeID string, id Identity, desired model.Attributes) (model.Attributes, error)
	// UpdateAccess changes role/group/quota/share in place and returns the full new bag.
	UpdateAccess(ctx context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error)
	// RevokeAccess is safe on partially granted state.
	RevokeAccess(ctx context.Context, nativeID string, current model.Attributes) error
	// DeleteAccount returns ErrNotFound when the account is already gone.
	DeleteAccount(ctx context.Context, nativeID string) error
	// UpdateProfile propagates username/email/password changes.
	UpdateProfile(ctx context.Context, nativeID string, change ProfileChange) error
}
