package service

import (
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
)

// Op names one adapter operation, or a local step, in failures and warnings.
type Op string

const (
	OpFindIdentity  Op = "find_identity"
	OpCreateAccount Op = "create_account"
	OpApplyAccess   Op = "apply_access"
	OpUpdateAccess  Op = "update_access"
	OpRevokeAccess  Op = "revoke_access"
	OpDeleteAccount Op = "delete_account"
	OpUpdateProfile Op = "update_profile"
	OpSave          Op = "save"
)

var ErrDuplicatePlatform = errors.New("platform listed more than once")

// ValidationError rejects a request before any remote call.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Failure is the structured failure of one platform operation. On the create
// path it is the whole outcome of the call; Warnings then lists compensation
// steps that did not complete.
//
// Class is Transient only when the call was interrupted while still retrying;
// exhausted retries are reported as Permanent.
type Failure struct {
	Platform model.Platform `json:"platform"`
	Op       Op             `json:"operation"`
	Class    platform.Class `json:"-"`
	Err      error          `json:"-"`
	Warnings []Warning      `json:"warnings,omitempty"`
}

func (f *Failure) Error() string {
	if f.Platform == "" {
		return fmt.Sprintf("%s failed (%s): %v", f.Op, f.Class, f.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", f.Platform, f.Op, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient reports whether retrying the whole call later may succeed.
func (f *Failure) Transient() bool { return f.Class == platform.Transient }

// Warning is a ReconciliationWarning: a best-effort step that failed without
// failing the call.
type Warning struct {
	Platform model.Platform `json:"platform"`
	Op       Op             `json:"operation"`
	Class    string         `json:"class"`
	Message  string         `json:"message"`
}

func newWarning(p model.Platform, op Op, err error) Warning {
	return Warning{
		Platform: p,
		Op:       op,
		Class:    platform.ClassOf(err).String(),
		Message:  err.Error(),
	}
}

// Result is the caller-visible outcome of provision / reconcile / update.
// Failures is non-empty only on the update path, where each platform's
// outcome is independent.
type Result struct {
	User     *model.User `json:"user"`
	Warnings []Warning   `json:"warnings,omitempty"`
	Failures []*Failure  `json:"failures,omitempty"`
	// Created is set when the call took the create path.
	Created bool `json:"-"`
}
