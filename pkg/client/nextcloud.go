package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
)

const (
	ocsUsersPath  = "/ocs/v1.php/cloud/users"
	ocsGroupsPath = "/ocs/v1.php/cloud/groups"
	ocsSharesPath = "/ocs/v2.php/apps/files_sharing/api/v1/shares"

	shareTypeUser = "0"
)

// Nextcloud implements the file-sync adapter over the OCS provisioning and
// sharing APIs. The native id is the Nextcloud user id (the username).
type Nextcloud struct {
	rest *restClient
	log  *logrus.Entry

	readyAttempts int
	readyDelay    time.Duration
}

type ocsMeta struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statuscode"`
	Message    string `json:"message"`
}

type ocsEnvelope struct {
	OCS struct {
		Meta ocsMeta        `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

type ocsShare struct {
	ID        ocsID  `json:"id"`
	Path      string `json:"path"`
	ShareWith string `json:"share_with"`
}

// ocsID accepts both the numeric and the string form servers emit.
type ocsID string

func (id *ocsID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		s = ""
	}
	*id = ocsID(strings.Trim(s, `"`))
	return nil
}

func NewNextcloud(opts Options, adminUser, adminPassword string, log *logrus.Logger) *Nextcloud {
	return &Nextcloud{
		rest: newRestClient("nextcloud", opts, func(r *http.Request) {
			r.SetBasicAuth(adminUser, adminPassword)
			r.Header.Set("OCS-APIRequest", "true")
		}, log),
		log:           log.WithField("platform", model.FileSync),
		readyAttempts: 5,
		readyDelay:    time.Second,
	}
}

// WithReadyPolling overrides how long CreateAccount waits for a new user to become visible.
func (n *Nextcloud) WithReadyPolling(attempts int, delay time.Duration) *Nextcloud {
	n.readyAttempts = attempts
	n.readyDelay = delay
	return n
}

func (n *Nextcloud) Platform() model.Platform { return model.FileSync }

func (n *Nextcloud) FindIdentity(ctx context.Context, id platform.Identity) (string, error) {
	if id.Username != "" {
		err := n.ocs(ctx, request{method: http.MethodGet, path: ocsUsersPath + "/" + url.PathEscape(id.Username)}, nil)
		if err == nil {
			return id.Username, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			return "", err
		}
	}
	if id.Email != "" {
		var found struct {
			Users []string `json:"users"`
		}
		err := n.ocs(ctx, request{method: http.MethodGet, path: ocsUsersPath, query: url.Values{"search": {id.Email}}}, &found)
		if err != nil {
			return "", err
		}
		if len(found.Users) > 0 {
			return found.Users[0], nil
		}
	}
	return "", fmt.Errorf("nextcloud user %q: %w", id.Username, platform.ErrNotFound)
}

func (n *Nextcloud) CreateAccount(ctx context.Context, cred platform.Credentials, _ model.Attributes) (string, error) {
	form := url.Values{
		"userid":   {cred.Username},
		"password": {cred.Password},
	}
	if cred.Email != "" {
		form.Set("email", cred.Email)
	}
	form.Set("displayname", cred.Username)
	if err := n.ocs(ctx, request{method: http.MethodPost, path: ocsUsersPath, form: form}, nil); err != nil {
		return "", err
	}
	if err := n.waitReady(ctx, cred.Username); err != nil {
		return "", err
	}
	n.log.WithField("native_id", cred.Username).Info("nextcloud user created")
	return cred.Username, nil
}

// waitReady polls until a freshly created user is visible to the provisioning API.
func (n *Nextcloud) waitReady(ctx context.Context, userID string) error {
	path := ocsUsersPath + "/" + url.PathEscape(userID)
	var err error
	for i := 0; i < n.readyAttempts; i++ {
		err = n.ocs(ctx, request{method: http.MethodGet, path: path}, nil)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.readyDelay):
		}
	}
	return platform.MarkTransient(fmt.Errorf("nextcloud user %s not ready: %w", userID, err))
}

func (n *Nextcloud) ApplyAccess(ctx context.Context, nativeID string, _ platform.Identity, desired model.Attributes) (model.Attributes, error) {
	attrs, err := fileSyncAttrs(desired)
	if err != nil {
		return nil, err
	}
	if attrs.GroupID != "" {
		if err := n.joinGroup(ctx, nativeID, attrs.GroupID); err != nil {
			return nil, err
		}
	}
	if attrs.StorageLimitMB > 0 {
		if err := n.setQuota(ctx, nativeID, attrs.StorageLimitMB); err != nil {
			return nil, err
		}
	}
	if attrs.SharedFolderID != "" {
		attrs = withDefaultPermission(attrs)
		shareID, err := n.ensureShare(ctx, attrs.SharedFolderID, nativeID, attrs.PermissionBits())
		if err != nil {
			return nil, err
		}
		attrs.ShareID = shareID
	}
	return attrs, nil
}

func (n *Nextcloud) UpdateAccess(ctx context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error) {
	cur, err := fileSyncAttrs(current)
	if err != nil {
		return nil, err
	}
	want, err := fileSyncAttrs(desired)
	if err != nil {
		return nil, err
	}
	next := cur.Merge(want).(model.FileSyncAttrs)

	// 换组
	if want.GroupID != "" && want.GroupID != cur.GroupID {
		if cur.GroupID != "" {
			if err := n.leaveGroup(ctx, nativeID, cur.GroupID); err != nil {
				return nil, err
			}
		}
		if err := n.joinGroup(ctx, nativeID, next.GroupID); err != nil {
			return nil, err
		}
	}

	if want.StorageLimitMB != 0 {
		if err := n.setQuota(ctx, nativeID, next.StorageLimitMB); err != nil {
			return nil, err
		}
	}

	switch {
	case want.SharedFolderID != "" && want.SharedFolderID != cur.SharedFolderID:
		// 目录变更: 取消旧分享，重新分享
		if cur.ShareID != "" {
			if err := n.unshare(ctx, cur.ShareID); err != nil {
				return nil, err
			}
		}
		next = withDefaultPermission(next)
		shareID, err := n.ensureShare(ctx, next.SharedFolderID, nativeID, next.PermissionBits())
		if err != nil {
			return nil, err
		}
		next.ShareID = shareID
	case want.Permission != "" && cur.ShareID != "":
		err := n.ocs(ctx, request{
			method: http.MethodPut,
			path:   ocsSharesPath + "/" + url.PathEscape(cur.ShareID),
			form:   url.Values{"permissions": {strconv.Itoa(next.PermissionBits())}},
		}, nil)
		if err != nil {
			return nil, err
		}
	case want.Permission != "" && next.SharedFolderID != "":
		shareID, err := n.ensureShare(ctx, next.SharedFolderID, nativeID, next.PermissionBits())
		if err != nil {
			return nil, err
		}
		next.ShareID = shareID
	}
	return next, nil
}

func (n *Nextcloud) RevokeAccess(ctx context.Context, nativeID string, current model.Attributes) error {
	cur, err := fileSyncAttrs(current)
	if err != nil {
		return err
	}
	var errs []error
	if cur.ShareID != "" {
		errs = append(errs, n.unshare(ctx, cur.ShareID))
	}
	if cur.GroupID != "" {
		errs = append(errs, n.leaveGroup(ctx, nativeID, cur.GroupID))
	}
	return errors.Join(errs...)
}

func (n *Nextcloud) DeleteAccount(ctx context.Context, nativeID string) error {
	path := ocsUsersPath + "/" + url.PathEscape(nativeID)
	// v1 删除不存在的用户不返回 404，先查一次
	if err := n.ocs(ctx, request{method: http.MethodGet, path: path}, nil); err != nil {
		return err
	}
	return n.ocs(ctx, request{method: http.MethodDelete, path: path}, nil)
}

// UpdateProfile sets email and password. User ids cannot be renamed, so a
// username change only updates the display name.
func (n *Nextcloud) UpdateProfile(ctx context.Context, nativeID string, change platform.ProfileChange) error {
	path := ocsUsersPath + "/" + url.PathEscape(nativeID)
	fields := []struct{ key, value string }{
		{"displayname", change.Username},
		{"email", change.Email},
		{"password", change.Password},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		err := n.ocs(ctx, request{method: http.MethodPut, path: path, form: url.Values{"key": {f.key}, "value": {f.value}}}, nil)
		if err != nil {
			return fmt.Errorf("update %s: %w", f.key, err)
		}
	}
	return nil
}

func (n *Nextcloud) joinGroup(ctx context.Context, userID, groupID string) error {
	// 102 = group already exists
	err := n.ocs(ctx, request{method: http.MethodPost, path: ocsGroupsPath, form: url.Values{"groupid": {groupID}}}, nil)
	if err := ignoreConflict(err); err != nil {
		return err
	}
	return n.ocs(ctx, request{
		method: http.MethodPost,
		path:   ocsUsersPath + "/" + url.PathEscape(userID) + "/groups",
		form:   url.Values{"groupid": {groupID}},
	}, nil)
}

func (n *Nextcloud) leaveGroup(ctx context.Context, userID, groupID string) error {
	err := n.ocs(ctx, request{
		method: http.MethodDelete,
		path:   ocsUsersPath + "/" + url.PathEscape(userID) + "/groups",
		query:  url.Values{"groupid": {groupID}},
	}, nil, 102, 103)
	return ignoreNotFound(err)
}

func (n *Nextcloud) setQuota(ctx context.Context, userID string, limitMB int) error {
	return n.ocs(ctx, request{
		method: http.MethodPut,
		path:   ocsUsersPath + "/" + url.PathEscape(userID),
		form:   url.Values{"key": {"quota"}, "value": {fmt.Sprintf("%d MB", limitMB)}},
	}, nil)
}

// ensureShare shares folder with the user, reusing an existing share of the
// same folder when the server rejects a duplicate.
func (n *Nextcloud) ensureShare(ctx context.Context, folder, userID string, perms int) (string, error) {
	var created ocsShare
	err := n.ocs(ctx, request{
		method: http.MethodPost,
		path:   ocsSharesPath,
		form: url.Values{
			"path":        {folder},
			"shareType":   {shareTypeUser},
			"shareWith":   {userID},
			"permissions": {strconv.Itoa(perms)},
		},
	}, &created)
	if err == nil {
		return string(created.ID), nil
	}
	if platform.IsTransient(err) {
		return "", err
	}

	existing, findErr := n.findShare(ctx, folder, userID)
	if findErr != nil || existing == "" {
		return "", err
	}
	n.log.Debugf("folder %s already shared with %s as %s", folder, userID, existing)
	updErr := n.ocs(ctx, request{
		method: http.MethodPut,
		path:   ocsSharesPath + "/" + url.PathEscape(existing),
		form:   url.Values{"permissions": {strconv.Itoa(perms)}},
	}, nil)
	if updErr != nil {
		return "", updErr
	}
	return existing, nil
}

func (n *Nextcloud) findShare(ctx context.Context, folder, userID string) (string, error) {
	var shares []ocsShare
	err := n.ocs(ctx, request{method: http.MethodGet, path: ocsSharesPath, query: url.Values{"path": {folder}}}, &shares)
	if err != nil {
		return "", err
	}
	for _, s := range shares {
		if s.ShareWith == userID {
			return string(s.ID), nil
		}
	}
	return "", nil
}

func (n *Nextcloud) unshare(ctx context.Context, shareID string) error {
	return ignoreNotFound(n.ocs(ctx, request{method: http.MethodDelete, path: ocsSharesPath + "/" + url.PathEscape(shareID)}, nil))
}

// ocs performs an OCS call and maps meta.statuscode onto the error taxonomy.
// Codes listed in okCodes are treated as success.
func (n *Nextcloud) ocs(ctx context.Context, req request, out any, okCodes ...int) error {
	if req.query == nil {
		req.query = url.Values{}
	}
	req.query.Set("format", "json")

	var env ocsEnvelope
	if err := n.rest.call(ctx, req, &env); err != nil {
		return err
	}
	if err := ocsStatus(req, env.OCS.Meta, okCodes); err != nil {
		return err
	}
	if out == nil || len(env.OCS.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.OCS.Data, out); err != nil {
		return platform.MarkPermanent(fmt.Errorf("nextcloud %s %s: decode data: %w", req.method, req.path, err))
	}
	return nil
}

func ocsStatus(req request, meta ocsMeta, okCodes []int) error {
	switch meta.StatusCode {
	case 0, 100, 200:
		return nil
	}
	for _, c := range okCodes {
		if meta.StatusCode == c {
			return nil
		}
	}
	err := fmt.Errorf("nextcloud %s %s: ocs status %d: %s", req.method, req.path, meta.StatusCode, meta.Message)
	switch meta.StatusCode {
	case 404, 998:
		return fmt.Errorf("%w: %w", platform.ErrNotFound, err)
	case 102:
		return fmt.Errorf("%w: %w", platform.ErrConflict, err)
	case 996:
		return platform.MarkTransient(err)
	default:
		return platform.MarkPermanent(err)
	}
}

func withDefaultPermission(a model.FileSyncAttrs) model.FileSyncAttrs {
	if a.Permission == "" {
		a.Permission = "viewer"
	}
	a.Permission = strings.ToLower(a.Permission)
	return a
}

func fileSyncAttrs(a model.Attributes) (model.FileSyncAttrs, error) {
	if a == nil {
		return model.FileSyncAttrs{}, nil
	}
	v, ok := a.(model.FileSyncAttrs)
	if !ok {
		return v, wrongAttrs(model.FileSync, a)
	}
	return v, nil
}
