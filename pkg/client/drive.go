package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultDriveRole = "reader"

// Drive implements the cloud-drive adapter. Drive has no account lifecycle:
// the native id is the Google account email and access is a folder permission.
type Drive struct {
	svc     *drive.Service
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *logrus.Entry
}

// NewDrive builds the Drive client. In production pass
// option.WithCredentialsFile(serviceAccountFile) and option.WithScopes(drive.DriveScope).
func NewDrive(ctx context.Context, timeout time.Duration, log *logrus.Logger, opts ...option.ClientOption) (*Drive, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Drive{
		svc:     svc,
		cb:      newBreaker("drive", log),
		timeout: timeoutOrDefault(timeout),
		log:     log.WithField("platform", model.CloudDrive),
	}, nil
}

func (d *Drive) Platform() model.Platform { return model.CloudDrive }

func (d *Drive) FindIdentity(_ context.Context, id platform.Identity) (string, error) {
	if id.Email == "" {
		return "", fmt.Errorf("drive identity without email: %w", platform.ErrNotFound)
	}
	return id.Email, nil
}

func (d *Drive) CreateAccount(_ context.Context, cred platform.Credentials, _ model.Attributes) (string, error) {
	if cred.Email == "" {
		return "", platform.MarkPermanent(errors.New("drive account requires an email"))
	}
	return cred.Email, nil
}

func (d *Drive) ApplyAccess(ctx context.Context, nativeID string, _ platform.Identity, desired model.Attributes) (model.Attributes, error) {
	attrs, err := cloudDriveAttrs(desired)
	if err != nil {
		return nil, err
	}
	if attrs.SharedFolderID == "" {
		return attrs, nil
	}
	attrs = withDefaultDriveRole(attrs)
	permID, err := d.grant(ctx, attrs.SharedFolderID, nativeID, attrs.Role)
	if err != nil {
		return nil, err
	}
	attrs.PermissionID = permID
	return attrs, nil
}

func (d *Drive) UpdateAccess(ctx context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error) {
	cur, err := cloudDriveAttrs(current)
	if err != nil {
		return nil, err
	}
	want, err := cloudDriveAttrs(desired)
	if err != nil {
		return nil, err
	}
	next := withDefaultDriveRole(cur.Merge(want).(model.CloudDriveAttrs))
	if next.SharedFolderID == "" {
		return next, nil
	}

	// 换目录: 撤销旧权限，重新授权
	if want.SharedFolderID != "" && want.SharedFolderID != cur.SharedFolderID {
		if cur.PermissionID != "" && cur.SharedFolderID != "" {
			if err := d.revoke(ctx, cur.SharedFolderID, cur.PermissionID); err != nil {
				return nil, err
			}
		}
		permID, err := d.grant(ctx, next.SharedFolderID, nativeID, next.Role)
		if err != nil {
			return nil, err
		}
		next.PermissionID = permID
		return next, nil
	}

	if cur.PermissionID == "" {
		permID, err := d.grant(ctx, next.SharedFolderID, nativeID, next.Role)
		if err != nil {
			return nil, err
		}
		next.PermissionID = permID
		return next, nil
	}

	if want.Role != "" {
		err := d.exec(ctx, func(ctx context.Context) error {
			_, err := d.svc.Permissions.Update(next.SharedFolderID, cur.PermissionID, &drive.Permission{Role: next.Role}).
				SupportsAllDrives(true).Context(ctx).Do()
			return err
		})
		if errors.Is(err, platform.ErrNotFound) {
			// 权限已被外部删除，重新授权
			permID, err := d.grant(ctx, next.SharedFolderID, nativeID, next.Role)
			if err != nil {
				return nil, err
			}
			next.PermissionID = permID
			return next, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (d *Drive) RevokeAccess(ctx context.Context, _ string, current model.Attributes) error {
	cur, err := cloudDriveAttrs(current)
	if err != nil {
		return err
	}
	if cur.SharedFolderID == "" || cur.PermissionID == "" {
		return nil
	}
	return d.revoke(ctx, cur.SharedFolderID, cur.PermissionID)
}

// DeleteAccount is a no-op: Google accounts are not owned by this service.
func (d *Drive) DeleteAccount(context.Context, string) error { return nil }

// UpdateProfile is a no-op: the permission stays bound to the original account.
func (d *Drive) UpdateProfile(_ context.Context, nativeID string, change platform.ProfileChange) error {
	if change.Email != "" && !strings.EqualFold(change.Email, nativeID) {
		d.log.Warnf("email change not propagated to drive permission of %s", nativeID)
	}
	return nil
}

func (d *Drive) grant(ctx context.Context, folderID, email, role string) (string, error) {
	var permID string
	err := d.exec(ctx, func(ctx context.Context) error {
		p, err := d.svc.Permissions.Create(folderID, &drive.Permission{
			Type:         "user",
			Role:         role,
			EmailAddress: email,
		}).SendNotificationEmail(false).SupportsAllDrives(true).Fields("id").Context(ctx).Do()
		if err != nil {
			return err
		}
		permID = p.Id
		return nil
	})
	return permID, err
}

func (d *Drive) revoke(ctx context.Context, folderID, permID string) error {
	return ignoreNotFound(d.exec(ctx, func(ctx context.Context) error {
		return d.svc.Permissions.Delete(folderID, permID).SupportsAllDrives(true).Context(ctx).Do()
	}))
}

func (d *Drive) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	return guarded(ctx, "drive", d.cb, d.timeout, func(ctx context.Context) error {
		return classifyDriveError(ctx, fn(ctx))
	})
}

func classifyDriveError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyStatus(&APIError{
			Platform: "drive",
			Method:   "permissions",
			Status:   gErr.Code,
			Body:     gErr.Message,
		})
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return platform.MarkTransient(fmt.Errorf("drive: %w", err))
}

func withDefaultDriveRole(a model.CloudDriveAttrs) model.CloudDriveAttrs {
	if a.Role == "" {
		a.Role = defaultDriveRole
	}
	a.Role = strings.ToLower(a.Role)
	return a
}

func cloudDriveAttrs(a model.Attributes) (model.CloudDriveAttrs, error) {
	if a == nil {
		return model.CloudDriveAttrs{}, nil
	}
	v, ok := a.(model.CloudDriveAttrs)
	if !ok {
		return v, wrongAttrs(model.CloudDrive, a)
	}
	return v, nil
}
