package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/sony/gobreaker"
)

type stubAdapter struct {
	Adapter
	p model.Platform
}

func (s stubAdapter) Platform() model.Platform { return s.p }

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubAdapter{p: model.TeamChat}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubAdapter{p: model.SourceControl}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	a, err := r.Resolve(model.TeamChat)
	if err != nil || a.Platform() != model.TeamChat {
		t.Fatalf("Resolve = %v, %v", a, err)
	}
	if _, err := r.Resolve(model.FileSync); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("unconfigured platform: %v", err)
	}
	if _, err := r.Resolve("gitlab"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("alias resolved directly: %v", err)
	}

	got := r.Platforms()
	if len(got) != 2 || got[0] != model.SourceControl || got[1] != model.TeamChat {
		t.Errorf("Platforms = %v", got)
	}
}

func TestRegistryRegisterRejects(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); !errors.Is(err, ErrAdapterNil) {
		t.Errorf("nil adapter: %v", err)
	}
	if err := r.Register(stubAdapter{p: "ftp"}); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("unknown tag: %v", err)
	}
	if err := r.Register(stubAdapter{p: model.CloudDrive}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(stubAdapter{p: model.CloudDrive}); !errors.Is(err, ErrAdapterExists) {
		t.Errorf("duplicate: %v", err)
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubAdapter{p: model.FileSync}); err != nil {
		t.Fatal(err)
	}

	if err := r.Validate(model.Desired(model.FileSyncAttrs{GroupID: "staff", Permission: "editor"})); err != nil {
		t.Errorf("valid config: %v", err)
	}
	if err := r.Validate(model.DesiredPlatformConfig{}); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("empty config: %v", err)
	}
	if err := r.Validate(model.Desired(model.CloudDriveAttrs{})); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("unregistered platform: %v", err)
	}
	if err := r.Validate(model.Desired(model.FileSyncAttrs{Permission: "owner"})); !errors.Is(err, model.ErrInvalidAttributes) {
		t.Errorf("bad permission: %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain", errors.New("boom"), Permanent},
		{"not found", ErrNotFound, Permanent},
		{"marked transient", MarkTransient(errors.New("503")), Transient},
		{"wrapped transient", fmt.Errorf("create: %w", MarkTransient(errors.New("503"))), Transient},
		{"marked permanent deadline", MarkPermanent(context.DeadlineExceeded), Permanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Transient},
		{"breaker open", gobreaker.ErrOpenState, Transient},
		{"breaker half-open", gobreaker.ErrTooManyRequests, Transient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, Transient},
		{"canceled", context.Canceled, Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkKeepsSentinels(t *testing.T) {
	err := MarkPermanent(fmt.Errorf("lookup team: %w", ErrNotFound))
	if !errors.Is(err, ErrNotFound) {
		t.Error("marked error lost its sentinel")
	}
	if MarkTransient(nil) != nil || MarkPermanent(nil) != nil {
		t.Error("marking nil must stay nil")
	}
	if !IsTransient(MarkTransient(ErrConflict)) || IsTransient(ErrConflict) {
		t.Error("IsTransient mismatch")
	}
}
